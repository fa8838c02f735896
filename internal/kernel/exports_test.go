package kernel

import (
	"errors"
	"testing"

	"github.com/danmuck/vatctl/internal/message"
	"github.com/danmuck/vatctl/internal/meter"
	"github.com/danmuck/vatctl/internal/testutil/testlog"
)

func TestExportTableAllocateIsIdempotent(t *testing.T) {
	testlog.Start(t)

	table := NewExportTable(5)
	if _, err := table.Allocate("v3", 0); !errors.Is(err, ErrUnknownVat) {
		t.Fatalf("expected ErrUnknownVat, got %v", err)
	}
	table.AddVat("v3")
	table.AddVat("v4")

	first, err := table.Allocate("v3", 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	again, _ := table.Allocate("v3", 0)
	if first != 5 || again != first {
		t.Fatalf("expected stable slot 5, got %d then %d", first, again)
	}
	other, _ := table.Allocate("v4", 0)
	extra, _ := table.Allocate("v3", 7)
	if other != 6 || extra != 7 {
		t.Fatalf("unexpected slots: %d %d", other, extra)
	}
	if root, ok := table.Root("v3"); !ok || root != 5 {
		t.Fatalf("unexpected root: %d %v", root, ok)
	}
	if owned := table.Owned("v3"); len(owned) != 2 || owned[1].Local != 7 {
		t.Fatalf("unexpected owned slots: %+v", owned)
	}

	reclaimed := table.ReclaimVat("v3")
	if len(reclaimed) != 2 || reclaimed[0] != 5 || reclaimed[1] != 7 {
		t.Fatalf("unexpected reclaimed slots: %v", reclaimed)
	}
	if table.Len() != 1 {
		t.Fatalf("expected one remaining slot, got %d", table.Len())
	}
	table.AddVat("v5")
	if slot, _ := table.Allocate("v5", 0); slot != 8 {
		t.Fatalf("expected fresh slot 8, got %d", slot)
	}
}

func TestRegistryRejectsDuplicatesAndListsInOrder(t *testing.T) {
	testlog.Start(t)

	reg := NewRegistry()
	if err := reg.Register(nil); !errors.Is(err, ErrVatNil) {
		t.Fatalf("expected ErrVatNil, got %v", err)
	}
	for _, id := range []message.VatID{"v10", "v2", "v9"} {
		if err := reg.Register(newVatManager(id, "", meter.Unlimited(), false)); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if err := reg.Register(newVatManager("v9", "", meter.Unlimited(), false)); !errors.Is(err, ErrVatExists) {
		t.Fatalf("expected ErrVatExists, got %v", err)
	}
	list := reg.List()
	if list[0].ID != "v2" || list[1].ID != "v9" || list[2].ID != "v10" {
		t.Fatalf("unexpected order: %s %s %s", list[0].ID, list[1].ID, list[2].ID)
	}

	calls := 0
	list[0].onTerminate = func(message.VatID, error) { calls++ }
	if !list[0].terminate(nil) || list[0].terminate(errors.New("twice")) {
		t.Fatalf("terminate must succeed exactly once")
	}
	if calls != 1 || reg.LiveCount() != 2 {
		t.Fatalf("unexpected state: calls=%d live=%d", calls, reg.LiveCount())
	}
}

func TestRunQueueIsFIFO(t *testing.T) {
	testlog.Start(t)

	var q runQueue
	for _, m := range []string{"a", "b", "c"} {
		q.Push(message.Message{Method: m})
	}
	first, _ := q.Pop()
	q.Push(message.Message{Method: "d"})
	if first.Method != "a" || q.Len() != 3 {
		t.Fatalf("unexpected queue state: %s %d", first.Method, q.Len())
	}
	order := ""
	for {
		msg, ok := q.Pop()
		if !ok {
			break
		}
		order += msg.Method
	}
	if order != "bcd" {
		t.Fatalf("unexpected order %q", order)
	}
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	bad := []func(*Config){
		func(c *Config) { c.AdminVatID = "admin" },
		func(c *Config) { c.FirstDynamicVatID = 1 },
		func(c *Config) { c.FirstSlotID = 0 },
		func(c *Config) { c.DynamicMeterBudget = 0 },
	}
	for i, mutate := range bad {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
	if _, err := New(DefaultConfig(), nil, (&recorder{}).build); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig without loader, got %v", err)
	}
}
