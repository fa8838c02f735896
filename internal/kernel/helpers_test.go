package kernel

import (
	"testing"

	"github.com/danmuck/vatctl/internal/bundle"
	"github.com/danmuck/vatctl/internal/message"
	"github.com/danmuck/vatctl/internal/meter"
	"github.com/danmuck/vatctl/internal/vat"
)

// recorder is a minimal administrator vat.
type recorder struct {
	got []message.Delivery
}

func (r *recorder) Deliver(d message.Delivery) error {
	r.got = append(r.got, d)
	return nil
}

func (r *recorder) build(vat.Syscall) (vat.Dispatcher, error) {
	return r, nil
}

func (r *recorder) method(name string) []message.Delivery {
	out := make([]message.Delivery, 0)
	for _, d := range r.got {
		if d.Method == name {
			out = append(out, d)
		}
	}
	return out
}

// goVat is a Go-native dynamic vat driven by per-method hooks.
type goVat struct {
	sys   vat.Syscall
	meter *meter.Meter
	got   []message.Delivery
	on    map[string]func(v *goVat, d message.Delivery) error
}

func (v *goVat) Deliver(d message.Delivery) error {
	v.got = append(v.got, d)
	if fn := v.on[d.Method]; fn != nil {
		return fn(v, d)
	}
	return nil
}

type buildFunc func(sys vat.Syscall, m *meter.Meter) (vat.Dispatcher, error)

// fakeLoader resolves structured bundles by source text.
type fakeLoader struct {
	vats    map[string]buildFunc
	panicOn string
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{vats: make(map[string]buildFunc)}
}

func (l *fakeLoader) Load(b bundle.Bundle, m *meter.Meter) (vat.Constructor, error) {
	s, err := bundle.Validate(b)
	if err != nil {
		return nil, err
	}
	if l.panicOn != "" && s.Source == l.panicOn {
		panic("loader exploded")
	}
	build, ok := l.vats[s.Source]
	if !ok {
		return nil, vat.ErrMissingEntryPoint
	}
	return func(sys vat.Syscall) (vat.Dispatcher, error) {
		return build(sys, m)
	}, nil
}

// add registers a goVat under src and returns a pointer filled in once the
// vat is constructed.
func (l *fakeLoader) add(src string, on map[string]func(v *goVat, d message.Delivery) error) **goVat {
	holder := new(*goVat)
	l.vats[src] = func(sys vat.Syscall, m *meter.Meter) (vat.Dispatcher, error) {
		v := &goVat{sys: sys, meter: m, on: on}
		*holder = v
		return v, nil
	}
	return holder
}

func structured(src string) bundle.Structured {
	return bundle.Structured{ModuleFormat: bundle.FormatGetExport, Source: src}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FirstDynamicVatID = 10
	cfg.FirstSlotID = 41
	return cfg
}

func newTestKernel(t *testing.T, loader BundleLoader) (*Kernel, *recorder) {
	t.Helper()
	admin := &recorder{}
	k, err := New(testConfig(), loader, admin.build)
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	return k, admin
}

func runIdle(t *testing.T, k *Kernel) {
	t.Helper()
	if _, err := k.RunUntilIdle(1000); err != nil {
		t.Fatalf("run until idle: %v", err)
	}
}

func expectCapData(t *testing.T, got message.CapData, body string, slots ...message.SlotID) {
	t.Helper()
	if got.Body != body {
		t.Fatalf("unexpected body:\n got %s\nwant %s", got.Body, body)
	}
	if len(got.Slots) != len(slots) {
		t.Fatalf("unexpected slots: got %v want %v", got.Slots, slots)
	}
	for i := range slots {
		if got.Slots[i] != slots[i] {
			t.Fatalf("unexpected slots: got %v want %v", got.Slots, slots)
		}
	}
}
