package kernel

import (
	"fmt"
	"sort"

	"github.com/danmuck/vatctl/internal/message"
)

// ExportSlot maps a kernel slot to the owning vat's local object index.
type ExportSlot struct {
	Slot  message.SlotID `json:"slot"`
	Owner message.VatID  `json:"owner"`
	Local uint64         `json:"local"`
}

type exportKey struct {
	vat   message.VatID
	local uint64
}

// ExportTable is the kernel-wide slot table. Slot ids increase
// monotonically and reclaimed ids are never reissued.
type ExportTable struct {
	next    message.SlotID
	slots   map[message.SlotID]ExportSlot
	byOwner map[exportKey]message.SlotID
	vats    map[message.VatID]struct{}
}

func NewExportTable(first message.SlotID) *ExportTable {
	return &ExportTable{
		next:    first,
		slots:   make(map[message.SlotID]ExportSlot),
		byOwner: make(map[exportKey]message.SlotID),
		vats:    make(map[message.VatID]struct{}),
	}
}

// AddVat makes a vat known to the table so it can export objects.
func (t *ExportTable) AddVat(id message.VatID) {
	t.vats[id] = struct{}{}
}

// Allocate returns the slot for (vat, local), creating it on first use.
func (t *ExportTable) Allocate(vatID message.VatID, local uint64) (message.SlotID, error) {
	if _, ok := t.vats[vatID]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownVat, vatID)
	}
	key := exportKey{vat: vatID, local: local}
	if slot, ok := t.byOwner[key]; ok {
		return slot, nil
	}
	slot := t.next
	t.next++
	t.slots[slot] = ExportSlot{Slot: slot, Owner: vatID, Local: local}
	t.byOwner[key] = slot
	return slot, nil
}

func (t *ExportTable) Lookup(slot message.SlotID) (ExportSlot, bool) {
	entry, ok := t.slots[slot]
	return entry, ok
}

// Root returns the slot of the vat's root object, if exported.
func (t *ExportTable) Root(vatID message.VatID) (message.SlotID, bool) {
	slot, ok := t.byOwner[exportKey{vat: vatID, local: 0}]
	return slot, ok
}

// ReclaimVat drops every slot owned by the vat and forgets the vat. It
// returns the reclaimed slots in ascending order.
func (t *ExportTable) ReclaimVat(vatID message.VatID) []message.SlotID {
	delete(t.vats, vatID)
	reclaimed := make([]message.SlotID, 0)
	for key, slot := range t.byOwner {
		if key.vat != vatID {
			continue
		}
		reclaimed = append(reclaimed, slot)
		delete(t.byOwner, key)
		delete(t.slots, slot)
	}
	sort.Slice(reclaimed, func(i, j int) bool { return reclaimed[i] < reclaimed[j] })
	return reclaimed
}

// Owned lists the vat's live slots in ascending order.
func (t *ExportTable) Owned(vatID message.VatID) []ExportSlot {
	out := make([]ExportSlot, 0)
	for _, entry := range t.slots {
		if entry.Owner == vatID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

func (t *ExportTable) Len() int {
	return len(t.slots)
}
