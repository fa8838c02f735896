package kernel

import (
	"testing"

	"github.com/danmuck/vatctl/internal/bundle"
	"github.com/danmuck/vatctl/internal/message"
	"github.com/danmuck/vatctl/internal/testutil/testlog"
	"github.com/danmuck/vatctl/internal/vat"
)

const counterVat = `function () {
  return {
    buildRootObject(vatPowers) {
      let count = 0;
      return {
        increment(ref) {
          count += 1;
          vatPowers.send(ref, "counted", count);
        },
        crash() { throw new Error("boom"); },
        loop() { for (;;) { count += 1; } },
      };
    },
  };
}`

func newJSKernel(t *testing.T) (*Kernel, *recorder) {
	t.Helper()
	loader, err := vat.NewLoader(vat.LoaderConfig{})
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	cfg := testConfig()
	cfg.DynamicMeterBudget = 10_000
	admin := &recorder{}
	k, err := New(cfg, loader, admin.build)
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	return k, admin
}

func TestJavaScriptVatLifecycle(t *testing.T) {
	testlog.Start(t)

	k, admin := newJSKernel(t)

	ok := k.CreateVatDynamically(bundle.Structured{ModuleFormat: bundle.FormatGetExport, Source: counterVat})
	plain := k.CreateVatDynamically(bundle.RawSource(counterVat))
	empty := k.CreateVatDynamically(bundle.Structured{ModuleFormat: bundle.FormatGetExport, Source: "function () { return {}; }"})
	runIdle(t, k)

	calls := admin.method(MethodNewVatCallback)
	if len(calls) != 3 {
		t.Fatalf("expected three newVatCallback deliveries, got %d", len(calls))
	}
	expectCapData(t, calls[0].Args, `["v10",{"rootObject":{"@qclass":"slot","index":0}}]`, 42)
	expectCapData(t, calls[1].Args, `["v11",{"error":"createVatDynamically() requires bundle, not a plain string"}]`)
	expectCapData(t, calls[2].Args, `["v12",{"error":"vat source bundle does not export buildRootObject function"}]`)
	if ok != "v10" || plain != "v11" || empty != "v12" {
		t.Fatalf("unexpected ids: %s %s %s", ok, plain, empty)
	}

	args := message.MustMarshal([]any{message.Ref{Slot: k.AdminRoot()}})
	if err := k.SendToRoot(ok, "increment", args); err != nil {
		t.Fatalf("send to root: %v", err)
	}
	runIdle(t, k)
	counted := admin.method("counted")
	if len(counted) != 1 {
		t.Fatalf("expected one counted delivery, got %d", len(counted))
	}
	expectCapData(t, counted[0].Args, `[1]`)

	if err := k.SendToRoot(ok, "crash", message.MustMarshal([]any{})); err != nil {
		t.Fatalf("send to root: %v", err)
	}
	runIdle(t, k)
	terminated := admin.method(MethodVatTerminated)
	if len(terminated) != 1 {
		t.Fatalf("expected one vatTerminated, got %d", len(terminated))
	}
	expectCapData(t, terminated[0].Args, `["v10",{"@qclass":"error","message":"boom","name":"Error"}]`)
}

func TestJavaScriptRunawayLoopExhaustsMeter(t *testing.T) {
	testlog.Start(t)

	k, admin := newJSKernel(t)
	id := k.CreateVatDynamically(bundle.Structured{ModuleFormat: bundle.FormatGetExport, Source: counterVat})
	runIdle(t, k)

	if err := k.SendToRoot(id, "loop", message.MustMarshal([]any{})); err != nil {
		t.Fatalf("send to root: %v", err)
	}
	runIdle(t, k)

	info, _ := k.Vat(id)
	if info.Liveness != Live || !info.Meter.Exhausted {
		t.Fatalf("expected live exhausted vat, got %+v", info)
	}
	if n := len(admin.method(MethodVatTerminated)); n != 0 {
		t.Fatalf("exhaustion must not terminate, got %d notifications", n)
	}
	if k.Exports().Len() != 2 {
		t.Fatalf("export table must be untouched, got %d slots", k.Exports().Len())
	}
}

func TestJavaScriptRunTimeCompilationIsRefused(t *testing.T) {
	testlog.Start(t)

	k, admin := newJSKernel(t)
	atBuild := k.CreateVatDynamically(bundle.Structured{ModuleFormat: bundle.FormatGetExport, Source: `function () {
  return { buildRootObject() { new Function("for (;;) {}")(); return {}; } };
}`})
	atDelivery := k.CreateVatDynamically(bundle.Structured{ModuleFormat: bundle.FormatGetExport, Source: `function () {
  return {
    buildRootObject() {
      return { compile() { return (function () {}).constructor("while (true) {}")(); } };
    },
  };
}`})
	runIdle(t, k)

	calls := admin.method(MethodNewVatCallback)
	if len(calls) != 2 {
		t.Fatalf("expected two newVatCallback deliveries, got %d", len(calls))
	}
	expectCapData(t, calls[0].Args, `["v10",{"error":"EvalError: vat code cannot compile source at run time"}]`)
	expectCapData(t, calls[1].Args, `["v11",{"rootObject":{"@qclass":"slot","index":0}}]`, 42)
	if atBuild != "v10" {
		t.Fatalf("unexpected id: %s", atBuild)
	}

	if err := k.SendToRoot(atDelivery, "compile", message.MustMarshal([]any{})); err != nil {
		t.Fatalf("send to root: %v", err)
	}
	runIdle(t, k)
	terminated := admin.method(MethodVatTerminated)
	if len(terminated) != 1 {
		t.Fatalf("expected one vatTerminated, got %d", len(terminated))
	}
	expectCapData(t, terminated[0].Args, `["v11",{"@qclass":"error","message":"vat code cannot compile source at run time","name":"EvalError"}]`)
}

func TestJavaScriptVatCannotRetargetReference(t *testing.T) {
	testlog.Start(t)

	k, admin := newJSKernel(t)
	victim := k.CreateVatDynamically(bundle.Structured{ModuleFormat: bundle.FormatGetExport, Source: counterVat})
	attacker := k.CreateVatDynamically(bundle.Structured{ModuleFormat: bundle.FormatGetExport, Source: `function () {
  return {
    buildRootObject(vatPowers) {
      return {
        retarget(ref, slot) {
          ref.Slot = slot;
          vatPowers.send(ref, "newVatCallback", "forged");
        },
      };
    },
  };
}`})
	runIdle(t, k)

	victimRoot, ok := k.Exports().Root(victim)
	if !ok {
		t.Fatalf("expected victim root export")
	}
	args := message.MustMarshal([]any{message.Ref{Slot: victimRoot}, int64(k.AdminRoot())})
	if err := k.SendToRoot(attacker, "retarget", args); err != nil {
		t.Fatalf("send to root: %v", err)
	}
	runIdle(t, k)

	if n := len(admin.method(MethodNewVatCallback)); n != 2 {
		t.Fatalf("expected only the two creation callbacks at the admin vat, got %d", n)
	}
	if n := len(admin.method(MethodVatTerminated)); n != 0 {
		t.Fatalf("unexpected terminations: %d", n)
	}
}
