package realbasicvsr

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"

	. "github.com/gomlx/gomlx/graph"
)

// cleanStepGraph runs one pass of the image cleaning module over a whole
// clip shaped `[batch, time, height, width, 3]`. It returns the cleaned clip
// (input plus residue) and the mean absolute residue magnitude as a Float64
// scalar, which drives the early exit of the refinement loop.
//
// The cleaning module is shape-invariant across the batch axis, so the
// sequential (per-frame) and batched (time flattened into batch) strategies
// are numerically equivalent; they trade peak memory for latency.
func (m *Model) cleanStepGraph(ctx *context.Context, lqs *Node) (cleaned, meanResidue *Node) {
	lqs.AssertRank(5)
	dims := lqs.Shape().Dimensions
	batchSize, numFrames := dims[0], dims[1]
	height, width, channels := dims[2], dims[3], dims[4]

	var residues *Node
	if m.cfg.SequentialCleaning {
		// The cleaning scope is revisited once per frame, sharing weights.
		frameCtx := ctx.Checked(false)
		perFrame := make([]*Node, numFrames)
		for ii := range perFrame {
			frame := Slice(lqs, AxisRange(), AxisRange(ii, ii+1), AxisRange(), AxisRange(), AxisRange())
			frame = Reshape(frame, batchSize, height, width, channels)
			perFrame[ii] = CleaningGraph(frameCtx, m.cfg, frame)
		}
		residues = Stack(perFrame, 1)
	} else {
		flat := Reshape(lqs, batchSize*numFrames, height, width, channels)
		residues = CleaningGraph(ctx, m.cfg, flat)
		residues = Reshape(residues, batchSize, numFrames, height, width, channels)
	}

	cleaned = Add(lqs, residues)
	meanResidue = ConvertDType(ReduceAllMean(Abs(residues)), dtypes.Float64)
	return
}

// Refine applies the image cleaning module iteratively to the clip: at most
// MaxRefineSteps passes, stopping early once the mean absolute residue of a
// pass falls below the configured threshold. The loop always runs at least
// one pass, and each pass consumes the previous pass' output.
//
// It returns the cleaned clip and the number of passes executed.
func (m *Model) Refine(clip *tensors.Tensor) (cleaned *tensors.Tensor, iterations int) {
	m.ensureExecs()
	cleaned = clip
	for iterations < MaxRefineSteps {
		parts := m.cleanExec.Call(cleaned)
		if iterations > 0 {
			// Intermediate clips are released eagerly; the caller's input is
			// left untouched.
			cleaned.FinalizeAll()
		}
		cleaned = parts[0]
		meanResidue := tensors.ToScalar[float64](parts[1])
		parts[1].FinalizeAll()
		iterations++
		if meanResidue < m.refineThreshold {
			break
		}
	}
	return
}
