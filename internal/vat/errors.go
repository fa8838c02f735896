package vat

import (
	"errors"

	"github.com/danmuck/vatctl/internal/bundle"
	"github.com/danmuck/vatctl/internal/message"
)

var (
	ErrInvalidBundleKind = bundle.ErrInvalidBundleKind
	ErrMissingEntryPoint = errors.New("vat source bundle does not export buildRootObject function")
	ErrUnknownObject     = errors.New("vat: unknown object")
	ErrUnknownMethod     = errors.New("vat: unknown method")
)

// BuildFailure is a load or construction error raised by bundle code.
type BuildFailure struct {
	Name    string
	Message string
	Err     error
}

func (f *BuildFailure) Error() string {
	return f.Name + ": " + f.Message
}

func (f *BuildFailure) Unwrap() error {
	return f.Err
}

// Fault is an exception that escaped a delivery. It is fatal to the vat.
type Fault struct {
	Name    string
	Message string
}

func (f *Fault) Error() string {
	return f.Name + ": " + f.Message
}

func (f *Fault) ErrorValue() message.ErrorValue {
	return message.ErrorValue{Name: f.Name, Message: f.Message}
}
