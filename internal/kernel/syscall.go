package kernel

import (
	"fmt"

	"github.com/danmuck/vatctl/internal/message"
)

// vatSyscall is the kernel surface bound to one vat manager.
type vatSyscall struct {
	k   *Kernel
	mgr *VatManager
}

func (k *Kernel) syscallFor(mgr *VatManager) *vatSyscall {
	return &vatSyscall{k: k, mgr: mgr}
}

func (s *vatSyscall) Send(target message.SlotID, method string, args message.CapData) error {
	if !s.mgr.Live() {
		return fmt.Errorf("%w: %s", ErrVatTerminated, s.mgr.ID)
	}
	if registered, ok := s.k.state.registry.Resolve(s.mgr.ID); !ok || registered != s.mgr {
		return fmt.Errorf("%w: %s is not registered yet", ErrUnknownVat, s.mgr.ID)
	}
	entry, ok := s.k.state.exports.Lookup(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, target)
	}
	if entry.Owner != s.mgr.ID && !s.mgr.holds(target) {
		return fmt.Errorf("%w: %s does not hold %s", ErrSlotNotHeld, s.mgr.ID, target)
	}
	return s.k.enqueue(message.Message{
		TargetVat: entry.Owner,
		Target:    target,
		Method:    method,
		Args:      args,
	})
}

func (s *vatSyscall) Exit(reason error) {
	s.mgr.requestExit(reason)
}

func (s *vatSyscall) Log(line string) {
	s.k.log.Info().Str("vat", string(s.mgr.ID)).Str("line", line).Msg("kernel.vat.log")
}
