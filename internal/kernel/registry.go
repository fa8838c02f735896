package kernel

import (
	"fmt"
	"sort"

	"github.com/danmuck/vatctl/internal/message"
	"github.com/danmuck/vatctl/internal/meter"
	"github.com/danmuck/vatctl/internal/vat"
)

type Liveness string

const (
	Live       Liveness = "live"
	Terminated Liveness = "terminated"
)

// VatManager is the kernel's handle on one running vat.
type VatManager struct {
	ID     message.VatID
	Name   string
	Static bool

	dispatcher  vat.Dispatcher
	meter       *meter.Meter
	liveness    Liveness
	reason      error
	exit        *exitRequest
	onTerminate func(id message.VatID, reason error)

	// imports are the slots this vat has been handed in deliveries. A vat
	// may only send to these and to its own exports.
	imports map[message.SlotID]struct{}
}

type exitRequest struct {
	reason error
}

func newVatManager(id message.VatID, name string, m *meter.Meter, static bool) *VatManager {
	return &VatManager{
		ID:       id,
		Name:     name,
		Static:   static,
		meter:    m,
		liveness: Live,
		imports:  make(map[message.SlotID]struct{}),
	}
}

func (m *VatManager) Live() bool {
	return m.liveness == Live
}

func (m *VatManager) Liveness() Liveness {
	return m.liveness
}

func (m *VatManager) Meter() *meter.Meter {
	return m.meter
}

// Reason is the termination reason; nil for live vats and clean exits.
func (m *VatManager) Reason() error {
	return m.reason
}

func (m *VatManager) grant(slots []message.SlotID) {
	for _, s := range slots {
		m.imports[s] = struct{}{}
	}
}

func (m *VatManager) holds(slot message.SlotID) bool {
	_, ok := m.imports[slot]
	return ok
}

// terminate moves the manager from live to terminated. Only the first call
// proceeds and fires the termination callback.
func (m *VatManager) terminate(reason error) bool {
	if m.liveness != Live {
		return false
	}
	m.liveness = Terminated
	m.reason = reason
	m.dispatcher = nil
	m.exit = nil
	m.imports = nil
	if m.onTerminate != nil {
		m.onTerminate(m.ID, reason)
	}
	return true
}

// requestExit records a vat's own exit request; the first request wins.
func (m *VatManager) requestExit(reason error) {
	if m.exit == nil && m.liveness == Live {
		m.exit = &exitRequest{reason: reason}
	}
}

func (m *VatManager) takeExit() (*exitRequest, bool) {
	req := m.exit
	m.exit = nil
	return req, req != nil
}

// Registry stores vat managers by id. Terminated managers stay as
// tombstones so ids are never reused.
type Registry struct {
	items map[message.VatID]*VatManager
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[message.VatID]*VatManager)}
}

func (r *Registry) Register(m *VatManager) error {
	if m == nil {
		return ErrVatNil
	}
	if _, ok := r.items[m.ID]; ok {
		return fmt.Errorf("%w: %s", ErrVatExists, m.ID)
	}
	r.items[m.ID] = m
	return nil
}

func (r *Registry) Resolve(id message.VatID) (*VatManager, bool) {
	m, ok := r.items[id]
	return m, ok
}

// List returns managers ordered by vat number.
func (r *Registry) List() []*VatManager {
	list := make([]*VatManager, 0, len(r.items))
	for _, m := range r.items {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool {
		return vatNumber(list[i].ID) < vatNumber(list[j].ID)
	})
	return list
}

func (r *Registry) Len() int {
	return len(r.items)
}

func (r *Registry) LiveCount() int {
	n := 0
	for _, m := range r.items {
		if m.Live() {
			n++
		}
	}
	return n
}
