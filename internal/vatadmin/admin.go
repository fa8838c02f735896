// Package vatadmin is the kernel's administrator vat. It receives the
// lifecycle notifications for dynamic vats and keeps an ordered event log
// and a per-vat status table.
package vatadmin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/danmuck/vatctl/internal/logging"
	"github.com/danmuck/vatctl/internal/message"
	"github.com/danmuck/vatctl/internal/vat"
)

const (
	MethodNewVatCallback = "newVatCallback"
	MethodVatTerminated  = "vatTerminated"
)

var ErrMalformedNotification = errors.New("vatadmin: malformed notification")

type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

type EventKind string

const (
	EventCreated    EventKind = "created"
	EventFailed     EventKind = "failed"
	EventTerminated EventKind = "terminated"
)

// Event is one decoded lifecycle notification.
type Event struct {
	Seq      uint64              `json:"seq"`
	Kind     EventKind           `json:"kind"`
	VatID    message.VatID       `json:"vat_id"`
	RootSlot message.SlotID      `json:"root_slot,omitempty"`
	Error    string              `json:"error,omitempty"`
	Reason   *message.ErrorValue `json:"reason,omitempty"`
}

type VatStatus struct {
	VatID    message.VatID       `json:"vat_id"`
	Status   Status              `json:"status"`
	RootSlot message.SlotID      `json:"root_slot,omitempty"`
	Error    string              `json:"error,omitempty"`
	Reason   *message.ErrorValue `json:"reason,omitempty"`
}

// Admin records lifecycle notifications. Deliver runs on the kernel
// goroutine; the read accessors are safe from any goroutine.
type Admin struct {
	mu     sync.RWMutex
	seq    uint64
	events []Event
	vats   map[message.VatID]VatStatus
	log    zerolog.Logger
}

func New() *Admin {
	return &Admin{
		events: make([]Event, 0),
		vats:   make(map[message.VatID]VatStatus),
		log:    logging.Component("vatadmin"),
	}
}

// Build is the admin vat's constructor.
func (a *Admin) Build(vat.Syscall) (vat.Dispatcher, error) {
	return a, nil
}

func (a *Admin) Deliver(d message.Delivery) error {
	if d.Local != 0 {
		return fmt.Errorf("%w: o+%d", vat.ErrUnknownObject, d.Local)
	}
	decoded, err := message.Unmarshal(d.Args)
	if err != nil {
		return err
	}
	args, ok := decoded.([]any)
	if !ok || len(args) != 2 {
		return fmt.Errorf("%w: %s expects [vatID, detail]", ErrMalformedNotification, d.Method)
	}
	raw, ok := args[0].(string)
	if !ok {
		return fmt.Errorf("%w: vat id is not a string", ErrMalformedNotification)
	}
	id, err := message.ParseVatID(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedNotification, err)
	}

	var ev Event
	switch d.Method {
	case MethodNewVatCallback:
		ev, err = decodeCreated(id, args[1])
	case MethodVatTerminated:
		ev, err = decodeTerminated(id, args[1])
	default:
		return fmt.Errorf("%w: %q", vat.ErrUnknownMethod, d.Method)
	}
	if err != nil {
		return err
	}
	a.record(ev)
	return nil
}

func decodeCreated(id message.VatID, detail any) (Event, error) {
	fields, ok := detail.(map[string]any)
	if !ok {
		return Event{}, fmt.Errorf("%w: newVatCallback detail is not a record", ErrMalformedNotification)
	}
	if ref, ok := fields["rootObject"].(message.Ref); ok {
		return Event{Kind: EventCreated, VatID: id, RootSlot: ref.Slot}, nil
	}
	if text, ok := fields["error"].(string); ok {
		return Event{Kind: EventFailed, VatID: id, Error: text}, nil
	}
	return Event{}, fmt.Errorf("%w: newVatCallback without rootObject or error", ErrMalformedNotification)
}

func decodeTerminated(id message.VatID, detail any) (Event, error) {
	switch v := detail.(type) {
	case message.Undefined:
		return Event{Kind: EventTerminated, VatID: id}, nil
	case message.ErrorValue:
		return Event{Kind: EventTerminated, VatID: id, Reason: &v}, nil
	default:
		return Event{}, fmt.Errorf("%w: vatTerminated reason %T", ErrMalformedNotification, detail)
	}
}

func (a *Admin) record(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	ev.Seq = a.seq
	a.events = append(a.events, ev)

	st := a.vats[ev.VatID]
	st.VatID = ev.VatID
	switch ev.Kind {
	case EventCreated:
		st.Status = StatusReady
		st.RootSlot = ev.RootSlot
	case EventFailed:
		st.Status = StatusFailed
		st.Error = ev.Error
	case EventTerminated:
		st.Status = StatusTerminated
		st.Reason = ev.Reason
	}
	a.vats[ev.VatID] = st
	a.log.Info().
		Uint64("seq", ev.Seq).
		Str("vat", string(ev.VatID)).
		Str("kind", string(ev.Kind)).
		Msg("vatadmin.Admin.record")
}

// Events returns events with Seq greater than after, oldest first.
func (a *Admin) Events(after uint64) []Event {
	a.mu.RLock()
	defer a.mu.RUnlock()
	i := sort.Search(len(a.events), func(i int) bool { return a.events[i].Seq > after })
	out := make([]Event, len(a.events)-i)
	copy(out, a.events[i:])
	return out
}

// Status treats a vat with no recorded event as pending.
func (a *Admin) Status(id message.VatID) VatStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if st, ok := a.vats[id]; ok {
		return st
	}
	return VatStatus{VatID: id, Status: StatusPending}
}

func (a *Admin) Statuses() []VatStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]VatStatus, 0, len(a.vats))
	for _, st := range a.vats {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].VatID) != len(out[j].VatID) {
			return len(out[i].VatID) < len(out[j].VatID)
		}
		return out[i].VatID < out[j].VatID
	})
	return out
}
