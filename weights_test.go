package realbasicvsr

import (
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestInitWeightsArgumentTypes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(backend, context.New(), testConfig())
	require.NoError(t, err)

	// nil and the empty string keep the current (random) initialization.
	assert.NoError(t, model.InitWeights(nil, true))
	assert.NoError(t, model.InitWeights("", true))

	// Anything that is not a path fails, naming the offending type.
	err = model.InitWeights(42, true)
	require.ErrorContains(t, err, "int")
	err = model.InitWeights(3.14, false)
	require.ErrorContains(t, err, "float64")
}

// TestInitWeightsRoundTrip saves a randomly initialized model as a
// checkpoint and loads it into a fresh model, which must then produce the
// same output.
func TestInitWeightsRoundTrip(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dir := t.TempDir()

	source, err := New(backend, context.New(), testConfig())
	require.NoError(t, err)
	clip := makeClip(backend, 1, 2, 16, 16, 3)
	want := source.Upscale(clip)

	checkpoint, err := checkpoints.Build(source.Context()).Dir(dir).Keep(1).Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())

	restored, err := New(backend, context.New(), testConfig())
	require.NoError(t, err)
	require.NoError(t, restored.InitWeights(dir, true))
	got := restored.Upscale(clip)

	require.InDeltaSlice(t,
		tensors.CopyFlatData[float32](want),
		tensors.CopyFlatData[float32](got), 1e-5)
}
