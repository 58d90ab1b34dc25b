// Package basicvsr implements the BasicVSR recurrent video super-resolution
// network: a SPyNet optical-flow estimator, bidirectional feature propagation
// along the time axis, and pixel-shuffle upsampling at a fixed 4x scale.
//
// It is the propagation backbone consumed by the top-level realbasicvsr
// package, but can be used on its own: PropagationGraph takes a video clip
// shaped `[batch, time, height, width, 3]` and returns the upscaled clip.
//
// Reference: "BasicVSR: The Search for Essential Components in Video
// Super-Resolution and Beyond", CVPR 2021.
package basicvsr

import (
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
)

// ScaleFactor is the only upsampling factor supported by the network: the
// two pixel-shuffle stages each double the spatial resolution.
const ScaleFactor = 4

// leakySlope is the negative slope shared by all leaky ReLU activations in
// the network.
const leakySlope = 0.1

// Config holds the construction-time parameters of the propagation network.
// It is immutable after the first graph is built.
type Config struct {
	// MidChannels is the width of the propagated feature maps.
	MidChannels int

	// NumBlocks is the number of residual blocks in each propagation branch.
	NumBlocks int
}

// PropagationGraph builds the bidirectional recurrent super-resolution
// network over a whole clip.
//
// lqs must be shaped `[batch, time, height, width, 3]`. The result is shaped
// `[batch, time, height*4, width*4, 3]`.
//
// Optical flow between adjacent frames is estimated by the SPyNet scope (see
// EstimateFlowGraph), which is always non-trainable. Propagation weights are
// shared across time steps.
func PropagationGraph(ctx *context.Context, cfg Config, lqs *Node) *Node {
	lqs.AssertRank(5)
	g := lqs.Graph()
	dtype := lqs.DType()
	dims := lqs.Shape().Dimensions
	batchSize, numFrames, height, width, channels := dims[0], dims[1], dims[2], dims[3], dims[4]
	if channels != 3 {
		exceptions.Panicf("basicvsr.PropagationGraph: expected 3 (RGB) channels, got clip shaped %s", lqs.Shape())
	}

	// The same scopes are revisited once per time step, so variable reuse
	// checks must be disabled.
	ctx = ctx.Checked(false)

	frames := make([]*Node, numFrames)
	for ii := range frames {
		frame := Slice(lqs, AxisRange(), AxisRange(ii, ii+1), AxisRange(), AxisRange(), AxisRange())
		frames[ii] = Reshape(frame, batchSize, height, width, channels)
	}

	// Flow fields between adjacent frames, one set per propagation direction.
	flowsBackward := make([]*Node, numFrames-1) // flowsBackward[i]: frame i -> frame i+1.
	flowsForward := make([]*Node, numFrames-1)  // flowsForward[i]: frame i+1 -> frame i.
	for ii := 0; ii < numFrames-1; ii++ {
		flowsBackward[ii] = EstimateFlowGraph(ctx, frames[ii], frames[ii+1])
		flowsForward[ii] = EstimateFlowGraph(ctx, frames[ii+1], frames[ii])
	}

	// Backward propagation: last frame to first.
	feat := Zeros(g, shapes.Make(dtype, batchSize, height, width, cfg.MidChannels))
	featsBackward := make([]*Node, numFrames)
	for ii := numFrames - 1; ii >= 0; ii-- {
		if ii < numFrames-1 {
			feat = FlowWarp(feat, flowsBackward[ii])
		}
		feat = ResidualStackWithInputConv(ctx.In("backward"),
			Concatenate([]*Node{frames[ii], feat}, -1), cfg.MidChannels, cfg.NumBlocks)
		featsBackward[ii] = feat
	}

	// Forward propagation, fused with the backward features and upsampled.
	feat = Zeros(g, shapes.Make(dtype, batchSize, height, width, cfg.MidChannels))
	outputs := make([]*Node, numFrames)
	for ii := 0; ii < numFrames; ii++ {
		if ii > 0 {
			feat = FlowWarp(feat, flowsForward[ii-1])
		}
		feat = ResidualStackWithInputConv(ctx.In("forward"),
			Concatenate([]*Node{frames[ii], feat}, -1), cfg.MidChannels, cfg.NumBlocks)
		fused := Concatenate([]*Node{featsBackward[ii], feat}, -1)
		outputs[ii] = upsampleGraph(ctx.In("upsample"), cfg, fused, frames[ii])
	}
	return Stack(outputs, 1)
}

// upsampleGraph fuses the two propagation directions and upscales to the
// output resolution: 1x1 fusion convolution, two x2 pixel-shuffle stages, HR
// convolutions, and a bilinear x4 upsampled copy of the input frame as a
// global skip connection.
func upsampleGraph(ctx *context.Context, cfg Config, feat, frame *Node) *Node {
	dims := frame.Shape().Dimensions
	height, width := dims[1], dims[2]

	x := layers.Convolution(ctx.In("fusion"), feat).Filters(cfg.MidChannels).KernelSize(1).PadSame().Done()
	x = activations.LeakyReluWithAlpha(x, leakySlope)
	x = pixelShuffleConv(ctx.In("upsample1"), x, cfg.MidChannels)
	x = pixelShuffleConv(ctx.In("upsample2"), x, 64)
	x = layers.Convolution(ctx.In("conv_hr"), x).Filters(64).KernelSize(3).PadSame().Done()
	x = activations.LeakyReluWithAlpha(x, leakySlope)
	x = layers.Convolution(ctx.In("conv_last"), x).Filters(3).KernelSize(3).PadSame().Done()

	base := Interpolate(frame, NoInterpolation, ScaleFactor*height, ScaleFactor*width, NoInterpolation).
		Bilinear().Done()
	return Add(x, base)
}

// pixelShuffleConv doubles the spatial resolution: a 3x3 convolution to
// 4*channels followed by a depth-to-space rearrangement.
func pixelShuffleConv(ctx *context.Context, x *Node, channels int) *Node {
	x = layers.Convolution(ctx, x).Filters(channels * 4).KernelSize(3).PadSame().Done()
	x = PixelShuffle(x, 2)
	return activations.LeakyReluWithAlpha(x, leakySlope)
}

// PixelShuffle rearranges channel blocks into spatial blocks: an input
// shaped `[batch, height, width, channels*factor*factor]` becomes
// `[batch, height*factor, width*factor, channels]`.
func PixelShuffle(x *Node, factor int) *Node {
	x.AssertRank(4)
	dims := x.Shape().Dimensions
	batchSize, height, width := dims[0], dims[1], dims[2]
	if dims[3]%(factor*factor) != 0 {
		exceptions.Panicf("basicvsr.PixelShuffle: %d channels not divisible by factor^2=%d", dims[3], factor*factor)
	}
	channels := dims[3] / (factor * factor)
	x = Reshape(x, batchSize, height, width, factor, factor, channels)
	x = TransposeAllDims(x, 0, 1, 3, 2, 4, 5)
	return Reshape(x, batchSize, height*factor, width*factor, channels)
}

// ResidualStackWithInputConv projects x to channels with a 3x3 convolution
// and a leaky ReLU, then applies numBlocks residual blocks. This is the
// feature extractor shared by the propagation branches, and is also used by
// the realbasicvsr image cleaning module.
func ResidualStackWithInputConv(ctx *context.Context, x *Node, channels, numBlocks int) *Node {
	x = layers.Convolution(ctx.In("input_conv"), x).Filters(channels).KernelSize(3).PadSame().Done()
	x = activations.LeakyReluWithAlpha(x, leakySlope)
	for ii := 0; ii < numBlocks; ii++ {
		x = ResidualBlock(ctx.Inf("block_%03d", ii), x)
	}
	return x
}

// ResidualBlock is a residual convolutional block without normalization:
// conv3x3 -> ReLU -> conv3x3, added back to the input. The channel count is
// preserved.
func ResidualBlock(ctx *context.Context, x *Node) *Node {
	channels := x.Shape().Dimensions[x.Rank()-1]
	residual := layers.Convolution(ctx.In("conv1"), x).Filters(channels).KernelSize(3).PadSame().Done()
	residual = activations.Relu(residual)
	residual = layers.Convolution(ctx.In("conv2"), residual).Filters(channels).KernelSize(3).PadSame().Done()
	return Add(x, residual)
}

// FreezeScope marks every variable already created under the context's
// current scope as non-trainable. It must be called after the variables are
// created, typically at the end of the graph-building function that owns the
// scope.
func FreezeScope(ctx *context.Context) {
	scope := ctx.Scope()
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Scope() == scope || strings.HasPrefix(v.Scope(), scope+context.ScopeSeparator) {
			v.SetTrainable(false)
		}
	})
}
