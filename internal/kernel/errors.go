package kernel

import "errors"

var (
	ErrUnknownVat        = errors.New("kernel: unknown vat")
	ErrVatExists         = errors.New("kernel: vat already registered")
	ErrVatNil            = errors.New("kernel: vat manager is nil")
	ErrVatTerminated     = errors.New("kernel: vat terminated")
	ErrStaticVat         = errors.New("kernel: static vat cannot be terminated")
	ErrUnknownSlot       = errors.New("kernel: unknown slot")
	ErrSlotNotHeld       = errors.New("kernel: slot not held by vat")
	ErrInvalidTransition = errors.New("kernel: invalid creation phase transition")
	ErrInvalidConfig     = errors.New("kernel: invalid config")
	ErrStepLimit         = errors.New("kernel: step limit reached")
	ErrPanic             = errors.New("kernel: recovered panic")
)
