package vat

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/danmuck/vatctl/internal/message"
	"github.com/danmuck/vatctl/internal/meter"
)

// Handler dispatches deliveries to a JavaScript root object.
type Handler struct {
	rt   *runtime
	root *goja.Object
}

// Deliver invokes root[method](...args). Only the root object (local index
// 0) is addressable.
func (h *Handler) Deliver(d message.Delivery) error {
	if d.Local != 0 {
		return fmt.Errorf("%w: o+%d", ErrUnknownObject, d.Local)
	}
	if h.rt.meter.Exhausted() {
		return meter.ErrExhausted
	}
	decoded, err := message.Unmarshal(d.Args)
	if err != nil {
		return err
	}
	args, ok := decoded.([]any)
	if !ok {
		return fmt.Errorf("%w: arguments must be an array", message.ErrInvalidCapData)
	}
	fn, ok := goja.AssertFunction(h.root.Get(d.Method))
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMethod, d.Method)
	}
	values := make([]goja.Value, 0, len(args))
	for _, arg := range args {
		values = append(values, h.rt.toJS(arg))
	}

	h.rt.vm.ClearInterrupt()
	if _, err := fn(h.root, values...); err != nil {
		ev, cause := h.rt.classify(err)
		if cause != nil {
			return fmt.Errorf("vat: %s: %w", d.Method, cause)
		}
		return &Fault{Name: ev.Name, Message: ev.Message}
	}
	return nil
}
