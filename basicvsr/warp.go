package basicvsr

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// FlowWarp samples src at the positions displaced by flow, with bilinear
// interpolation. It is used to align the propagated feature map of one frame
// to the next, following the estimated optical flow.
//
// src must be shaped `[batch, height, width, channels]` and flow
// `[batch, height, width, 2]`, with the flow channels holding the (dx, dy)
// displacement in pixels. Positions displaced beyond the image border are
// clamped to the border.
//
// The result has the same shape as src.
func FlowWarp(src, flow *Node) *Node {
	src.AssertRank(4)
	flow.AssertRank(4)
	g := src.Graph()
	dtype := src.DType()
	dims := src.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	flow.AssertDims(batchSize, height, width, 2)

	// Absolute sampling positions: base grid plus displacement.
	gridX := Iota(g, shapes.Make(dtype, batchSize, height, width, 1), 2)
	gridY := Iota(g, shapes.Make(dtype, batchSize, height, width, 1), 1)
	posX := Add(gridX, Slice(flow, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, 1)))
	posY := Add(gridY, Slice(flow, AxisRange(), AxisRange(), AxisRange(), AxisRange(1, 2)))

	x0 := Floor(posX)
	y0 := Floor(posY)
	fracX := Sub(posX, x0)
	fracY := Sub(posY, y0)

	// Gather indexes the flattened pixels of the whole batch, so each
	// position carries its batch's offset.
	flat := Reshape(src, batchSize*height*width, channels)
	batchOffset := Iota(g, shapes.Make(dtypes.Int32, batchSize, height, width, 1), 0)
	batchOffset = MulScalar(batchOffset, float64(height*width))
	sample := func(x, y *Node) *Node {
		x = ClipScalar(x, 0, float64(width-1))
		y = ClipScalar(y, 0, float64(height-1))
		indices := ConvertDType(Add(MulScalar(y, float64(width)), x), dtypes.Int32)
		indices = Add(indices, batchOffset)
		indices = Reshape(indices, batchSize*height*width, 1)
		gathered := Gather(flat, indices)
		return Reshape(gathered, batchSize, height, width, channels)
	}

	v00 := sample(x0, y0)
	v01 := sample(AddScalar(x0, 1), y0)
	v10 := sample(x0, AddScalar(y0, 1))
	v11 := sample(AddScalar(x0, 1), AddScalar(y0, 1))

	fracX = BroadcastToDims(fracX, batchSize, height, width, channels)
	fracY = BroadcastToDims(fracY, batchSize, height, width, channels)
	top := Add(Mul(OneMinus(fracX), v00), Mul(fracX, v01))
	bottom := Add(Mul(OneMinus(fracX), v10), Mul(fracX, v11))
	return Add(Mul(OneMinus(fracY), top), Mul(fracY, bottom))
}
