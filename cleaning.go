package realbasicvsr

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/realbasicvsr/basicvsr"

	. "github.com/gomlx/gomlx/graph"
)

// ScopeImageCleaning is the context scope holding the image cleaning module
// parameters.
const ScopeImageCleaning = "image_cleaning"

// CleaningGraph estimates the additive degradation residue of a batch of
// frames: a residual stack at cfg.MidChannels width followed by a projection
// back to RGB. The returned residue has the same shape as frames, which must
// be rank-4 `[batch, height, width, 3]`.
//
// Adding the residue to the frames removes (part of) the degradation; the
// module is applied repeatedly by the refinement loop until the residue
// becomes small.
//
// If cfg.FixCleaning is set, the parameters created here are marked
// non-trainable.
func CleaningGraph(ctx *context.Context, cfg Config, frames *Node) *Node {
	frames.AssertRank(4)
	ctx = ctx.In(ScopeImageCleaning)
	x := basicvsr.ResidualStackWithInputConv(ctx, frames, cfg.MidChannels, cfg.NumCleaningBlocks)
	residue := layers.Convolution(ctx.In("projection"), x).Filters(3).KernelSize(3).PadSame().Done()
	if cfg.FixCleaning {
		basicvsr.FreezeScope(ctx)
	}
	return residue
}
