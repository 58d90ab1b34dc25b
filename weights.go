package realbasicvsr

import (
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InitWeights loads pretrained weights for the combined model.
//
// pretrained must be either nil or a string: nil (or the empty string) keeps
// the current parameters — randomly initialized on first execution if none
// were loaded; a string is taken as a checkpoint directory to load into the
// model's context. Any other type fails with a type-mismatch error naming
// the received type.
//
// With strict set, the context is marked for variable reuse, so a parameter
// required by the model but absent from the checkpoint fails at graph
// building time; without it, missing parameters fall back to their
// initializers.
//
// Loading is a one-time, synchronous operation: call it before the first
// inference.
func (m *Model) InitWeights(pretrained any, strict bool) error {
	switch path := pretrained.(type) {
	case nil:
		return nil
	case string:
		if path == "" {
			return nil
		}
		if _, err := checkpoints.Load(m.ctx).Dir(path).Done(); err != nil {
			return errors.WithMessagef(err, "realbasicvsr: failed to load pretrained weights from %q", path)
		}
		if strict {
			m.ctx = m.ctx.Reuse()
		} else {
			m.ctx = m.ctx.Checked(false)
		}
		// Executors compiled before the load would keep the previous loading
		// policy; drop them so the next call rebuilds.
		m.cleanExec = nil
		m.srExec = nil
		klog.V(1).Infof("realbasicvsr: loaded pretrained weights from %q (strict=%v)", path, strict)
		return nil
	default:
		return errors.Errorf("realbasicvsr: pretrained weights must be given as a string path or nil, got %T", pretrained)
	}
}
