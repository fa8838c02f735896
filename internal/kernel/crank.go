package kernel

import (
	"errors"
	"fmt"

	"github.com/danmuck/vatctl/internal/message"
	"github.com/danmuck/vatctl/internal/meter"
	"github.com/danmuck/vatctl/internal/observability"
	"github.com/danmuck/vatctl/internal/vat"
)

const (
	crankDelivered = "delivered"
	crankDropped   = "dropped"
	crankRefused   = "refused"
	crankExhausted = "exhausted"
	crankRejected  = "rejected"
	crankFault     = "fault"
)

// Step runs exactly one unit of work: the oldest continuation if any,
// otherwise one crank. It reports false when the kernel is idle.
func (k *Kernel) Step() bool {
	if c, ok := k.state.continuations.Pop(); ok {
		k.runContinuation(c)
		return true
	}
	msg, ok := k.state.queue.Pop()
	if !ok {
		return false
	}
	observability.SetRunQueueDepth(k.state.queue.Len())
	k.crank(msg)
	return true
}

// RunUntilIdle steps until no work remains. A positive limit bounds the
// number of steps; hitting it with work left returns ErrStepLimit.
func (k *Kernel) RunUntilIdle(limit int) (int, error) {
	steps := 0
	for limit <= 0 || steps < limit {
		if !k.Step() {
			return steps, nil
		}
		steps++
	}
	if k.Pending() > 0 {
		return steps, fmt.Errorf("%w: %d", ErrStepLimit, limit)
	}
	return steps, nil
}

func (k *Kernel) schedule(stage string, c *creation, fn func()) {
	k.state.continuations.Push(continuation{stage: stage, creation: c, fn: fn})
}

// runContinuation turns a panic inside a creation stage into a failure
// notification.
func (k *Kernel) runContinuation(c continuation) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := fmt.Errorf("%w: %s: %v", ErrPanic, c.stage, r)
		k.log.Error().Err(err).Msg("kernel.runContinuation")
		if c.creation == nil {
			return
		}
		if validateTransition(c.creation.phase, PhaseFailed) == nil {
			k.fail(c.creation, err)
			return
		}
		if c.creation.phase != PhaseNotified {
			k.notifyError(c.creation, err)
		}
	}()
	c.fn()
}

func (k *Kernel) crank(msg message.Message) {
	entry, ok := k.state.exports.Lookup(msg.Target)
	if !ok {
		k.dropped(msg, "unknown slot")
		return
	}
	mgr, ok := k.state.registry.Resolve(entry.Owner)
	if !ok || !mgr.Live() {
		k.dropped(msg, "target vat terminated")
		return
	}

	m := mgr.meter
	m.BeginCrank()
	defer m.EndCrank()
	if m.Exhausted() {
		observability.RecordCrank(crankRefused)
		k.log.Warn().Str("vat", string(mgr.ID)).Str("method", msg.Method).Msg("kernel.crank refused: meter exhausted")
		return
	}

	mgr.grant(msg.Args.Slots)
	err := k.deliver(mgr, message.Delivery{Local: entry.Local, Method: msg.Method, Args: msg.Args})
	switch {
	case err == nil:
		observability.RecordCrank(crankDelivered)
	case errors.Is(err, meter.ErrExhausted):
		observability.RecordCrank(crankExhausted)
		observability.RecordMeterExhausted()
		k.log.Warn().Str("vat", string(mgr.ID)).Str("method", msg.Method).Msg("kernel.crank meter exhausted")
	case errors.Is(err, vat.ErrUnknownMethod),
		errors.Is(err, vat.ErrUnknownObject),
		errors.Is(err, message.ErrInvalidCapData):
		observability.RecordCrank(crankRejected)
		k.log.Warn().Str("vat", string(mgr.ID)).Str("method", msg.Method).Err(err).Msg("kernel.crank rejected")
	default:
		observability.RecordCrank(crankFault)
		if mgr.Static {
			k.log.Error().Str("vat", string(mgr.ID)).Err(err).Msg("kernel.crank static vat fault")
			break
		}
		mgr.terminate(err)
	}
	k.scheduleExit(mgr)
}

func (k *Kernel) deliver(mgr *VatManager, d message.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &vat.Fault{Name: "Error", Message: fmt.Sprintf("%v", r)}
		}
	}()
	return mgr.dispatcher.Deliver(d)
}

func (k *Kernel) dropped(msg message.Message, why string) {
	observability.RecordCrank(crankDropped)
	k.log.Debug().
		Str("vat", string(msg.TargetVat)).
		Str("slot", msg.Target.String()).
		Str("method", msg.Method).
		Msg("kernel.crank dropped: " + why)
}
