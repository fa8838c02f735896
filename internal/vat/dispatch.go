package vat

import "github.com/danmuck/vatctl/internal/message"

// Dispatcher receives deliveries addressed to a vat.
type Dispatcher interface {
	Deliver(d message.Delivery) error
}

type DispatcherFunc func(d message.Delivery) error

func (f DispatcherFunc) Deliver(d message.Delivery) error {
	return f(d)
}

// Syscall is the private kernel surface handed to one vat.
type Syscall interface {
	// Send enqueues an asynchronous call to an object the vat holds a
	// reference to.
	Send(target message.SlotID, method string, args message.CapData) error
	// Exit asks the kernel to terminate the vat once the current crank
	// completes. A nil reason is a clean exit.
	Exit(reason error)
	Log(line string)
}

// Constructor builds a vat's dispatcher from its syscall surface.
type Constructor func(sys Syscall) (Dispatcher, error)
