package realbasicvsr

import (
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestRefineStopsBelowThreshold(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// Threshold 255 corresponds to 1.0 in normalized range; no residue can
	// reach it, so the loop must stop after the mandatory first pass.
	model, err := New(backend, context.New(), testConfig())
	require.NoError(t, err)

	clip := makeClip(backend, 1, 3, 16, 16, 3)
	cleaned, iterations := model.Refine(clip)
	assert.Equal(t, 1, iterations)
	require.NoError(t, cleaned.Shape().CheckDims(1, 3, 16, 16, 3))
}

func TestRefineRunsAllPassesOnZeroThreshold(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// The mean absolute residue is never negative, so a zero threshold can
	// never trigger the early exit; the loop must hit its cap.
	cfg := testConfig()
	cfg.DynamicRefineThreshold = 0
	model, err := New(backend, context.New(), cfg)
	require.NoError(t, err)

	clip := makeClip(backend, 1, 2, 16, 16, 3)
	cleaned, iterations := model.Refine(clip)
	assert.Equal(t, MaxRefineSteps, iterations)
	require.NoError(t, cleaned.Shape().CheckDims(1, 2, 16, 16, 3))
}

// TestCleaningStrategiesEquivalent checks that cleaning the frames one at a
// time and cleaning them as one flattened batch produce the same result,
// given the same weights.
func TestCleaningStrategiesEquivalent(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()

	cfgSeq := testConfig()
	cfgSeq.SequentialCleaning = true
	modelSeq, err := New(backend, ctx, cfgSeq)
	require.NoError(t, err)

	// Same context: both models share the same cleaning weights.
	modelBatch, err := New(backend, ctx, testConfig())
	require.NoError(t, err)

	clip := makeClip(backend, 1, 3, 16, 16, 3)
	cleanedSeq, _ := modelSeq.Refine(clip)
	cleanedBatch, _ := modelBatch.Refine(clip)

	wantFlat := tensors.CopyFlatData[float32](cleanedSeq)
	gotFlat := tensors.CopyFlatData[float32](cleanedBatch)
	require.InDeltaSlice(t, wantFlat, gotFlat, 1e-4)
}
