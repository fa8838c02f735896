package kernel

import (
	"fmt"

	"github.com/danmuck/vatctl/internal/message"
)

// TerminateVat kills a live vat. It reports whether this call performed the
// termination; terminating an already terminated vat is a no-op.
func (k *Kernel) TerminateVat(id message.VatID, reason error) (bool, error) {
	mgr, ok := k.state.registry.Resolve(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownVat, id)
	}
	if mgr.Static {
		return false, fmt.Errorf("%w: %s", ErrStaticVat, id)
	}
	return mgr.terminate(reason), nil
}

// scheduleExit applies a vat's own exit request once the current crank has
// completed.
func (k *Kernel) scheduleExit(mgr *VatManager) {
	req, ok := mgr.takeExit()
	if !ok {
		return
	}
	k.schedule("exit", nil, func() {
		if mgr.terminate(req.reason) {
			k.log.Debug().Str("vat", string(mgr.ID)).Msg("kernel.exit applied")
		}
	})
}
