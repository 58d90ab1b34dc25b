// Package realbasicvsr implements the RealBasicVSR model for real-world
// video super-resolution: an image cleaning module that iteratively removes
// degradations from the input frames, followed by the BasicVSR recurrent
// propagation network that upscales the cleaned clip by 4x.
//
// Clips are tensors shaped `[batch, time, height, width, 3]` (channels
// last), with RGB values in [0, 1].
//
// Typical usage:
//
//	backend := backends.MustNew()
//	model := must.M1(realbasicvsr.New(backend, context.New(), realbasicvsr.DefaultConfig()))
//	must.M(model.InitWeights(checkpointDir, true))
//	upscaled := model.Upscale(clip)
//
// Reference: "Investigating Tradeoffs in Real-World Video Super-Resolution",
// CVPR 2022.
package realbasicvsr

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/realbasicvsr/basicvsr"
	"github.com/pkg/errors"

	. "github.com/gomlx/gomlx/graph"
)

const (
	// MaxRefineSteps bounds the iterative cleaning loop. The value was
	// determined empirically by the reference model.
	MaxRefineSteps = 3

	// ScaleFactor is the only upsampling factor supported.
	ScaleFactor = basicvsr.ScaleFactor

	// ScopeBasicVSR is the context scope holding the propagation network
	// parameters. The flow estimator lives under its basicvsr.ScopeSPyNet
	// sub-scope.
	ScopeBasicVSR = "basicvsr"
)

// Config holds the construction-time parameters of the model. It is
// immutable after New.
type Config struct {
	// MidChannels is the channel width of the intermediate features, for
	// both the cleaning and the propagation sub-networks.
	MidChannels int

	// NumPropagationBlocks is the number of residual blocks in each
	// propagation branch.
	NumPropagationBlocks int

	// NumCleaningBlocks is the number of residual blocks in the image
	// cleaning module.
	NumCleaningBlocks int

	// DynamicRefineThreshold stops the cleaning loop once the mean absolute
	// residue falls below this value, given on a 0-255 intensity scale. The
	// default of 255 stops after the first pass. Values outside [0, 255] are
	// rejected by New, not clamped.
	DynamicRefineThreshold float64

	// SPyNetWeights optionally points at a checkpoint directory with
	// pretrained flow estimator weights, loaded at construction.
	SPyNetWeights string

	// FixCleaning freezes the cleaning module parameters during training.
	// Its forward behavior is unchanged.
	FixCleaning bool

	// SequentialCleaning cleans the clip one frame at a time instead of
	// flattening the time axis into the batch. Slower, but with a lower
	// peak memory usage. Both strategies are numerically equivalent.
	SequentialCleaning bool
}

// DefaultConfig returns the configuration of the reference model.
func DefaultConfig() Config {
	return Config{
		MidChannels:            64,
		NumPropagationBlocks:   20,
		NumCleaningBlocks:      20,
		DynamicRefineThreshold: 255,
	}
}

func (cfg Config) validate() error {
	if cfg.MidChannels <= 0 {
		return errors.Errorf("MidChannels must be > 0, got %d", cfg.MidChannels)
	}
	if cfg.NumPropagationBlocks <= 0 {
		return errors.Errorf("NumPropagationBlocks must be > 0, got %d", cfg.NumPropagationBlocks)
	}
	if cfg.NumCleaningBlocks <= 0 {
		return errors.Errorf("NumCleaningBlocks must be > 0, got %d", cfg.NumCleaningBlocks)
	}
	if cfg.DynamicRefineThreshold < 0 || cfg.DynamicRefineThreshold > 255 {
		return errors.Errorf("DynamicRefineThreshold must be in [0, 255], got %g", cfg.DynamicRefineThreshold)
	}
	return nil
}

// Model holds the compiled RealBasicVSR model: the configuration, the
// context with the parameters of both sub-networks, and the executors for
// the cleaning pass and the super-resolution pass.
//
// A Model is a pure function of its inputs and parameters: no state is
// carried across invocations. Concurrent calls are safe once the parameters
// are no longer being updated.
type Model struct {
	backend backends.Backend
	ctx     *context.Context
	cfg     Config

	// refineThreshold is DynamicRefineThreshold normalized to [0, 1].
	refineThreshold float64

	// Executors, compiled lazily on first use so that InitWeights can still
	// change the context loading policy.
	cleanExec *context.Exec
	srExec    *context.Exec
}

// New creates a RealBasicVSR model with parameters stored in ctx. Parameters
// are initialized on the first execution, or loaded from a checkpoint with
// InitWeights.
//
// If cfg.SPyNetWeights is set, the flow estimator weights are loaded
// immediately. The flow estimator is always non-trainable, regardless of any
// other setting.
func New(backend backends.Backend, ctx *context.Context, cfg Config) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.WithMessage(err, "realbasicvsr.New: invalid configuration")
	}
	m := &Model{
		backend:         backend,
		ctx:             ctx.Checked(false),
		cfg:             cfg,
		refineThreshold: cfg.DynamicRefineThreshold / 255.0,
	}
	if cfg.SPyNetWeights != "" {
		spynetCtx := m.ctx.In(ScopeBasicVSR).In(basicvsr.ScopeSPyNet)
		if _, err := checkpoints.Load(spynetCtx).Dir(cfg.SPyNetWeights).Done(); err != nil {
			return nil, errors.WithMessagef(err, "realbasicvsr.New: failed to load SPyNet weights from %q", cfg.SPyNetWeights)
		}
	}
	return m, nil
}

// Config returns a copy of the model configuration.
func (m *Model) Config() Config { return m.cfg }

// Context returns the context holding the model parameters.
func (m *Model) Context() *context.Context { return m.ctx }

// ensureExecs compiles the executors if they don't exist yet.
func (m *Model) ensureExecs() {
	if m.cleanExec == nil {
		m.cleanExec = context.NewExec(m.backend, m.ctx, m.cleanStepGraph)
	}
	if m.srExec == nil {
		m.srExec = context.NewExec(m.backend, m.ctx, m.superResolveGraph)
	}
}

// superResolveGraph applies the propagation super-resolution network to a
// cleaned clip.
func (m *Model) superResolveGraph(ctx *context.Context, lqs *Node) *Node {
	return basicvsr.PropagationGraph(ctx.In(ScopeBasicVSR), basicvsr.Config{
		MidChannels: m.cfg.MidChannels,
		NumBlocks:   m.cfg.NumPropagationBlocks,
	}, lqs)
}

// Upscale cleans the clip (see Refine) and upscales it by 4x.
//
// clip must be shaped `[batch, time, height, width, 3]`. The result is
// shaped `[batch, time, height*4, width*4, 3]`. It panics on invalid input
// shapes, following the framework's graph execution semantics.
func (m *Model) Upscale(clip *tensors.Tensor) *tensors.Tensor {
	upscaled, cleaned := m.UpscaleAndCleaned(clip)
	cleaned.FinalizeAll()
	return upscaled
}

// UpscaleAndCleaned is Upscale also returning the cleaned-but-not-upscaled
// intermediate clip.
func (m *Model) UpscaleAndCleaned(clip *tensors.Tensor) (upscaled, cleaned *tensors.Tensor) {
	m.ensureExecs()
	cleaned, _ = m.Refine(clip)
	upscaled = m.srExec.Call(cleaned)[0]
	return
}
