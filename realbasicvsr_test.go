package realbasicvsr

import (
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/realbasicvsr/basicvsr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/gomlx/gomlx/graph"

	_ "github.com/gomlx/gomlx/backends/default"
)

// testConfig is small enough to execute the full pipeline quickly.
func testConfig() Config {
	return Config{
		MidChannels:            8,
		NumPropagationBlocks:   1,
		NumCleaningBlocks:      2,
		DynamicRefineThreshold: 255,
	}
}

// pseudoFrames builds deterministic pseudo-random values in [-0.5, 0.5].
func pseudoFrames(g *Graph, dims ...int) *Node {
	x := IotaFull(g, shapes.Make(dtypes.Float32, dims...))
	return MulScalar(Sin(MulScalar(x, 12.9898)), 0.5)
}

func makeClip(backend backends.Backend, dims ...int) *tensors.Tensor {
	exec := NewExec(backend, func(g *Graph) *Node {
		return pseudoFrames(g, dims...)
	})
	return exec.Call()[0]
}

func TestUpscaleShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(backend, context.New(), testConfig())
	require.NoError(t, err)

	clip := makeClip(backend, 1, 2, 16, 16, 3)
	upscaled, cleaned := model.UpscaleAndCleaned(clip)
	require.NoError(t, cleaned.Shape().CheckDims(1, 2, 16, 16, 3))
	require.NoError(t, upscaled.Shape().CheckDims(1, 2, 16*ScaleFactor, 16*ScaleFactor, 3))
}

func TestConfigValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	cfg := testConfig()
	cfg.DynamicRefineThreshold = 300
	_, err := New(backend, context.New(), cfg)
	require.ErrorContains(t, err, "DynamicRefineThreshold")

	cfg = testConfig()
	cfg.MidChannels = 0
	_, err = New(backend, context.New(), cfg)
	require.ErrorContains(t, err, "MidChannels")
}

func TestRegistry(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	registry := NewRegistry()
	assert.Equal(t, []string{ModelName}, registry.Names())

	model, err := registry.New(ModelName, backend, context.New(), testConfig())
	require.NoError(t, err)
	require.NotNil(t, model)

	_, err = registry.New("no_such_model", backend, context.New(), testConfig())
	require.ErrorContains(t, err, "no_such_model")

	err = registry.Register(ModelName, New)
	require.ErrorContains(t, err, "already registered")
}

// TestTrainingPolicy checks the declared training-eligibility sets: with
// FixCleaning the cleaning module must not move under an optimizer update,
// the flow estimator must never move, and the rest of the propagation
// network must.
func TestTrainingPolicy(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig()
	cfg.FixCleaning = true
	ctx := context.New()
	ctx.SetParam(optimizers.ParamLearningRate, 0.1)
	model, err := New(backend, ctx, cfg)
	require.NoError(t, err)

	clip := makeClip(backend, 1, 2, 16, 16, 3)
	target := makeClip(backend, 1, 2, 16*ScaleFactor, 16*ScaleFactor, 3)

	// First execution creates and initializes all variables.
	upscaled, cleaned := model.UpscaleAndCleaned(clip)
	upscaled.FinalizeAll()
	cleaned.FinalizeAll()

	before := make(map[string][]float32)
	model.ctx.EnumerateVariables(func(v *context.Variable) {
		before[v.ParameterName()] = tensors.CopyFlatData[float32](v.Value())
	})

	sgd := optimizers.StochasticGradientDescent()
	update := context.NewExec(backend, model.ctx, func(ctx *context.Context, lqs, target *Node) *Node {
		cleanedClip, _ := model.cleanStepGraph(ctx, lqs)
		output := model.superResolveGraph(ctx, cleanedClip)
		loss := ReduceAllMean(losses.MeanAbsoluteError([]*Node{target}, []*Node{output}))
		sgd.UpdateGraph(ctx, lqs.Graph(), loss)
		return loss
	})
	update.Call(clip, target)

	var propagationChanged int
	model.ctx.EnumerateVariables(func(v *context.Variable) {
		previous, found := before[v.ParameterName()]
		if !found {
			return // Created by the optimizer itself.
		}
		current := tensors.CopyFlatData[float32](v.Value())
		scope := v.Scope()
		switch {
		case strings.Contains(scope, "/"+ScopeImageCleaning):
			assert.Equalf(t, previous, current, "cleaning variable %s must stay frozen", v.ParameterName())
		case strings.Contains(scope, "/"+basicvsr.ScopeSPyNet):
			assert.Equalf(t, previous, current, "flow estimator variable %s must stay frozen", v.ParameterName())
		case strings.Contains(scope, "/"+ScopeBasicVSR):
			if !assert.ObjectsAreEqual(previous, current) {
				propagationChanged++
			}
		}
	})
	assert.Greater(t, propagationChanged, 0, "optimizer update must change propagation variables")
}
