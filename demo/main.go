// demo upscales a directory of video frames by 4x with RealBasicVSR.
//
// Frames are read in lexical order (PNG or JPEG), processed in fixed-length
// clips, and written as PNG to the output directory:
//
//	go run ./demo -input lr_frames/ -output hr_frames/ -pretrained ~/work/realbasicvsr/checkpoint
//
// Without -pretrained the model runs with randomly initialized weights,
// which is only useful to exercise the pipeline.
package main

import (
	"flag"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/realbasicvsr"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagInput      = flag.String("input", "", "Directory with the low-resolution input frames.")
	flagOutput     = flag.String("output", "", "Directory where the upscaled frames are written.")
	flagPretrained = flag.String("pretrained", "", "Checkpoint directory with pretrained model weights.")
	flagStrict     = flag.Bool("strict", true, "Reject checkpoints that don't cover every model parameter.")
	flagSPyNet     = flag.String("spynet", "", "Checkpoint directory with pretrained SPyNet weights.")
	flagClipLen    = flag.Int("clip_len", 15, "Number of frames processed per clip.")

	flagMidChannels       = flag.Int("mid_channels", 64, "Channel width of the intermediate features.")
	flagPropagationBlocks = flag.Int("propagation_blocks", 20, "Residual blocks per propagation branch.")
	flagCleaningBlocks    = flag.Int("cleaning_blocks", 20, "Residual blocks in the image cleaning module.")
	flagThreshold         = flag.Float64("refine_threshold", 255, "Refinement stop threshold, on a 0-255 scale.")
	flagSequential        = flag.Bool("sequential_cleaning", false, "Clean frames one at a time to lower peak memory usage.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagInput == "" || *flagOutput == "" {
		fmt.Fprintln(os.Stderr, "both -input and -output are required")
		flag.Usage()
		os.Exit(1)
	}

	backend := backends.MustNew()
	klog.V(1).Infof("backend %q: %s", backend.Name(), backend.Description())

	cfg := realbasicvsr.DefaultConfig()
	cfg.MidChannels = *flagMidChannels
	cfg.NumPropagationBlocks = *flagPropagationBlocks
	cfg.NumCleaningBlocks = *flagCleaningBlocks
	cfg.DynamicRefineThreshold = *flagThreshold
	cfg.SequentialCleaning = *flagSequential
	if *flagSPyNet != "" {
		cfg.SPyNetWeights = data.ReplaceTildeInDir(*flagSPyNet)
	}

	model := must.M1(realbasicvsr.New(backend, context.New(), cfg))
	must.M(model.InitWeights(data.ReplaceTildeInDir(*flagPretrained), *flagStrict))

	framePaths := listFrames(*flagInput)
	if len(framePaths) == 0 {
		klog.Exitf("no frames found in %q", *flagInput)
	}
	must.M(os.MkdirAll(*flagOutput, 0755))
	klog.Infof("upscaling %d frames from %q (clips of %d)", len(framePaths), *flagInput, *flagClipLen)

	// Small graph helpers: add/drop the batch axis and clamp the output to
	// the displayable range.
	toClip := graph.NewExec(backend, func(frames *graph.Node) *graph.Node {
		return graph.ExpandAxes(frames, 0)
	})
	fromClip := graph.NewExec(backend, func(clip *graph.Node) *graph.Node {
		dims := clip.Shape().Dimensions
		frames := graph.Reshape(clip, dims[1], dims[2], dims[3], dims[4])
		return graph.ClipScalar(frames, 0, 1)
	})

	bar := progressbar.Default(int64(len(framePaths)), "upscaling")
	for start := 0; start < len(framePaths); start += *flagClipLen {
		end := min(start+*flagClipLen, len(framePaths))
		frames := make([]image.Image, 0, end-start)
		for _, path := range framePaths[start:end] {
			frames = append(frames, must.M1(imaging.Open(path)))
		}
		clip := toClip.Call(images.ToTensor(dtypes.Float32).Batch(frames))[0]
		upscaled := model.Upscale(clip)
		outFrames := fromClip.Call(upscaled)[0]
		for ii, img := range images.ToImage().Batch(outFrames) {
			name := strings.TrimSuffix(filepath.Base(framePaths[start+ii]), filepath.Ext(framePaths[start+ii]))
			must.M(imaging.Save(img, filepath.Join(*flagOutput, name+".png")))
			must.M(bar.Add(1))
		}
		clip.FinalizeAll()
		upscaled.FinalizeAll()
		outFrames.FinalizeAll()
	}
	must.M(bar.Finish())
}

// listFrames returns the image files in dir, sorted lexically.
func listFrames(dir string) []string {
	entries := must.M1(os.ReadDir(dir))
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".png", ".jpg", ".jpeg":
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths
}
