package basicvsr

import (
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/gomlx/gomlx/graph"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestPyramidLevels(t *testing.T) {
	assert.Equal(t, 1, pyramidLevels(2, 2))
	assert.Equal(t, 3, pyramidLevels(16, 16))
	assert.Equal(t, 4, pyramidLevels(32, 180))
	// Capped regardless of input size.
	assert.Equal(t, maxPyramidLevels, pyramidLevels(1080, 1920))
}

func TestEstimateFlowGraphShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ref := IotaFull(g, shapes.Make(dtypes.Float32, 2, 32, 48, 3))
		ref = MulScalar(Sin(ref), 0.5)
		supp := Reverse(ref, 2)
		return EstimateFlowGraph(ctx, ref, supp)
	})
	flow := exec.Call()[0]
	require.NoError(t, flow.Shape().CheckDims(2, 32, 48, 2))

	// Every flow parameter must come out non-trainable.
	var numVars int
	ctx.EnumerateVariables(func(v *context.Variable) {
		numVars++
		assert.Falsef(t, v.Trainable, "variable %s must not be trainable", v.ParameterName())
	})
	assert.Greater(t, numVars, 0)
}
