package kernel

import (
	"errors"
	"fmt"

	"github.com/danmuck/vatctl/internal/message"
	"github.com/danmuck/vatctl/internal/observability"
	"github.com/danmuck/vatctl/internal/vat"
)

const (
	MethodNewVatCallback = "newVatCallback"
	MethodVatTerminated  = "vatTerminated"
)

// notifyCreated exports the new vat's root object and tells the
// administrator vat about it.
func (k *Kernel) notifyCreated(c *creation) {
	slot, err := k.state.exports.Allocate(c.id, 0)
	if err != nil {
		k.notifyError(c, err)
		return
	}
	c.root = slot
	body, err := message.Marshal([]any{
		c.id,
		map[string]any{"rootObject": message.Ref{Slot: slot}},
	})
	if err != nil {
		k.notifyError(c, err)
		return
	}
	k.finishCreation(c, OutcomeSuccess, body)
}

func (k *Kernel) notifyFailed(c *creation) {
	text := "unknown error"
	if c.err != nil {
		text = c.err.Error()
	}
	body, err := message.Marshal([]any{c.id, map[string]any{"error": text}})
	if err != nil {
		k.notifyError(c, err)
		return
	}
	k.finishCreation(c, OutcomeFailure, body)
}

func (k *Kernel) finishCreation(c *creation, outcome string, body message.CapData) {
	if err := k.enqueueAdmin(MethodNewVatCallback, body); err != nil {
		k.notifyError(c, err)
		return
	}
	if !k.advance(c, PhaseNotified) {
		return
	}
	c.outcome = outcome
	observability.RecordVatCreated(outcome)
	k.log.Info().
		Str("vat", string(c.id)).
		Str("outcome", outcome).
		Uint64("root_slot", uint64(c.root)).
		Msg("kernel.createVat notified")
}

// notifyError closes a creation whose notification could not be sent. It is
// logged and counted, never retried.
func (k *Kernel) notifyError(c *creation, err error) {
	observability.RecordNotifyError()
	k.log.Error().Str("vat", string(c.id)).Err(err).Msg("kernel.createVat notification dropped")
	if c.err == nil {
		c.err = err
	}
	if k.advance(c, PhaseNotified) {
		c.outcome = OutcomeFailure
	}
}

// vatTerminated is every dynamic manager's termination callback.
func (k *Kernel) vatTerminated(id message.VatID, reason error) {
	reclaimed := k.state.exports.ReclaimVat(id)
	body, err := message.Marshal([]any{id, reasonValue(reason)})
	if err == nil {
		err = k.enqueueAdmin(MethodVatTerminated, body)
	}
	if err != nil {
		observability.RecordNotifyError()
		k.log.Error().Str("vat", string(id)).Err(err).Msg("kernel.vatTerminated notification dropped")
	}
	observability.RecordVatTerminated(terminationCause(reason))
	k.log.Info().
		Str("vat", string(id)).
		Int("reclaimed", len(reclaimed)).
		AnErr("reason", reason).
		Msg("kernel.vatTerminated")
}

func (k *Kernel) enqueueAdmin(method string, body message.CapData) error {
	msg := message.Message{
		TargetVat: k.state.adminVat,
		Target:    k.state.adminRoot,
		Method:    method,
		Args:      body,
	}
	return k.enqueue(msg)
}

func (k *Kernel) enqueue(msg message.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	k.state.queue.Push(msg)
	observability.SetRunQueueDepth(k.state.queue.Len())
	return nil
}

// reasonValue renders a termination reason as a capdata value.
func reasonValue(reason error) any {
	if reason == nil {
		return message.Undefined{}
	}
	var fault *vat.Fault
	if errors.As(reason, &fault) {
		return fault.ErrorValue()
	}
	var ev message.ErrorValue
	if errors.As(reason, &ev) {
		return ev
	}
	return message.ErrorValue{Name: "Error", Message: reason.Error()}
}

func terminationCause(reason error) string {
	var fault *vat.Fault
	switch {
	case reason == nil:
		return "exit"
	case errors.As(reason, &fault):
		return "fault"
	default:
		return "error"
	}
}

func describe(reason error) string {
	if reason == nil {
		return ""
	}
	return fmt.Sprint(reasonValue(reason))
}
