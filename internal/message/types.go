package message

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidMessage = errors.New("message: invalid message")
	ErrInvalidVatID   = errors.New("message: invalid vat id")
)

// VatID identifies one vat for the lifetime of the kernel.
type VatID string

// FormatVatID renders the canonical "v<n>" form.
func FormatVatID(n uint64) VatID {
	return VatID("v" + strconv.FormatUint(n, 10))
}

// ParseVatID accepts the canonical "v<n>" form.
func ParseVatID(raw string) (VatID, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) < 2 || raw[0] != 'v' {
		return "", fmt.Errorf("%w: %q", ErrInvalidVatID, raw)
	}
	if _, err := strconv.ParseUint(raw[1:], 10, 64); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidVatID, raw)
	}
	return VatID(raw), nil
}

func (id VatID) String() string {
	return string(id)
}

// SlotID is a kernel-wide export slot identifier.
type SlotID uint64

func (s SlotID) String() string {
	return "ko" + strconv.FormatUint(uint64(s), 10)
}

// Message is one addressed asynchronous call sitting on the run queue.
type Message struct {
	TargetVat VatID
	Target    SlotID
	Method    string
	Args      CapData
}

// Validate enforces required envelope fields and the slot-list contract.
func (m Message) Validate() error {
	if strings.TrimSpace(string(m.TargetVat)) == "" {
		return fmt.Errorf("%w: missing target vat", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.Method) == "" {
		return fmt.Errorf("%w: missing method", ErrInvalidMessage)
	}
	if err := m.Args.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return nil
}

// Delivery is a message as seen by the receiving vat: the kernel slot has
// already been resolved to the vat-local object index.
type Delivery struct {
	Local  uint64
	Method string
	Args   CapData
}
