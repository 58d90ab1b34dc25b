package basicvsr

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
)

// ScopeSPyNet is the context scope under which the flow estimator parameters
// live. Pretrained flow weights are loaded into this scope, and the scope is
// always marked non-trainable.
const ScopeSPyNet = "spynet"

// maxPyramidLevels is the depth of the SPyNet coarse-to-fine pyramid.
// Fewer levels are used when the input frames are too small to halve that
// many times.
const maxPyramidLevels = 6

// Per-channel statistics used to normalize SPyNet inputs, matching the
// pretrained weights distribution.
var (
	spynetInputMean = []float32{0.485, 0.456, 0.406}
	spynetInputStd  = []float32{0.229, 0.224, 0.225}
)

// EstimateFlowGraph estimates the optical flow from ref to supp with a
// SPyNet-style coarse-to-fine pyramid: flow is predicted at the coarsest
// scale and progressively refined while upsampling, each level warping supp
// by the current flow estimate and predicting a correction.
//
// ref and supp must both be shaped `[batch, height, width, 3]`. The result
// is shaped `[batch, height, width, 2]` with (dx, dy) displacements in
// pixels.
//
// All parameters created here are marked non-trainable: the flow estimator
// is only ever used pretrained (or with its random initialization, for
// tests), never fine-tuned.
func EstimateFlowGraph(ctx *context.Context, ref, supp *Node) *Node {
	ref.AssertRank(4)
	supp.AssertRank(4)
	g := ref.Graph()
	dtype := ref.DType()
	dims := ref.Shape().Dimensions
	batchSize, height, width := dims[0], dims[1], dims[2]

	ctx = ctx.In(ScopeSPyNet)
	defer FreezeScope(ctx)

	// Image pyramids, coarsened by 2x average pooling per level.
	numLevels := pyramidLevels(height, width)
	refs := make([]*Node, numLevels)
	supps := make([]*Node, numLevels)
	refs[0] = normalizeFlowInput(ref)
	supps[0] = normalizeFlowInput(supp)
	for level := 1; level < numLevels; level++ {
		refs[level] = MeanPool(refs[level-1]).Window(2).NoPadding().Done()
		supps[level] = MeanPool(supps[level-1]).Window(2).NoPadding().Done()
	}

	// Coarse-to-fine refinement.
	coarsest := refs[numLevels-1].Shape().Dimensions
	flow := Zeros(g, shapes.Make(dtype, batchSize, coarsest[1], coarsest[2], 2))
	for level := numLevels - 1; level >= 0; level-- {
		levelDims := refs[level].Shape().Dimensions
		if flow.Shape().Dimensions[1] != levelDims[1] || flow.Shape().Dimensions[2] != levelDims[2] {
			// Upsample the flow field and rescale the displacements accordingly.
			flow = Interpolate(flow, NoInterpolation, levelDims[1], levelDims[2], NoInterpolation).
				Bilinear().Done()
			flow = MulScalar(flow, 2)
		}
		warped := FlowWarp(supps[level], flow)
		residualFlow := flowModule(ctx.Inf("level_%d", level),
			Concatenate([]*Node{refs[level], warped, flow}, -1))
		flow = Add(flow, residualFlow)
	}
	return flow
}

// pyramidLevels returns the pyramid depth for the given frame size, capped
// at maxPyramidLevels and keeping the coarsest level at least 4 pixels on
// its shortest side. Pretrained SPyNet weights assume the full depth, which
// requires height and width divisible by 32; smaller inputs still work with
// a shallower pyramid.
func pyramidLevels(height, width int) int {
	levels := 1
	size := min(height, width)
	for levels < maxPyramidLevels && size >= 4<<levels {
		levels++
	}
	return levels
}

// flowModule is one level of the pyramid: 5 stacked 7x7 convolutions over
// the concatenated (ref, warped supp, flow) planes, predicting a 2-channel
// flow correction.
func flowModule(ctx *context.Context, x *Node) *Node {
	for ii, channels := range []int{32, 64, 32, 16} {
		x = layers.Convolution(ctx.Inf("conv_%d", ii), x).
			Filters(channels).KernelSize(7).PadSame().Done()
		x = activations.Relu(x)
	}
	return layers.Convolution(ctx.In("flow"), x).Filters(2).KernelSize(7).PadSame().Done()
}

// normalizeFlowInput standardizes RGB values with the statistics the flow
// estimator was trained with.
func normalizeFlowInput(frame *Node) *Node {
	g := frame.Graph()
	dims := frame.Shape().Dimensions
	mean := ConvertDType(Const(g, spynetInputMean), frame.DType())
	std := ConvertDType(Const(g, spynetInputStd), frame.DType())
	mean = BroadcastToDims(InsertAxes(mean, 0, 0, 0), dims...)
	std = BroadcastToDims(InsertAxes(std, 0, 0, 0), dims...)
	return Div(Sub(frame, mean), std)
}
