package vat

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dop251/goja"

	"github.com/danmuck/vatctl/internal/meter"
	"github.com/danmuck/vatctl/internal/message"
)

const maxValueDepth = 64

var ErrUnsendable = errors.New("vat: value cannot leave the vat")

// sandbox runs before any vat code. It takes eval away and points every
// function constructor at one that throws, so all code a vat runs has
// passed through Instrument.
var sandbox = goja.MustCompile("vat-sandbox", `(function (global) {
  "use strict";
  const refuse = function Function() {
    throw new EvalError("vat code cannot compile source at run time");
  };
  const protos = [
    Object.getPrototypeOf(function () {}),
    Object.getPrototypeOf(function* () {}),
    Object.getPrototypeOf(async function () {}),
  ];
  for (const p of protos) {
    Object.defineProperty(p, "constructor", { value: refuse, writable: false, enumerable: false, configurable: false });
  }
  Object.defineProperty(refuse, "prototype", { value: protos[0], writable: false, enumerable: false, configurable: false });
  Object.defineProperty(global, "Function", { value: refuse, writable: false, enumerable: false, configurable: false });
  delete global.eval;
  return Object.freeze;
})`, true)

// runtime is one vat's JavaScript realm, bound to the vat's meter.
type runtime struct {
	vm     *goja.Runtime
	meter  *meter.Meter
	freeze goja.Callable

	// handles maps the opaque objects standing for references back to
	// their slots. Only objects created by handle are references.
	handles map[*goja.Object]message.SlotID
	slots   map[message.SlotID]*goja.Object
}

func newRuntime(m *meter.Meter, maxCallStack int) (*runtime, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStack)
	r := &runtime{
		vm:      vm,
		meter:   m,
		handles: make(map[*goja.Object]message.SlotID),
		slots:   make(map[message.SlotID]*goja.Object),
	}
	hook := vm.ToValue(func(goja.FunctionCall) goja.Value {
		return vm.ToValue(r.charge())
	})
	err := vm.GlobalObject().DefineDataProperty(MeterHook, hook, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
	if err != nil {
		return nil, err
	}
	v, err := vm.RunProgram(sandbox)
	if err != nil {
		return nil, fmt.Errorf("vat: sandbox: %w", err)
	}
	lock, ok := goja.AssertFunction(v)
	if !ok {
		return nil, errors.New("vat: sandbox did not evaluate to a function")
	}
	frozen, err := lock(goja.Undefined(), vm.GlobalObject())
	if err != nil {
		return nil, fmt.Errorf("vat: sandbox: %w", err)
	}
	if r.freeze, ok = goja.AssertFunction(frozen); !ok {
		return nil, errors.New("vat: sandbox did not return Object.freeze")
	}
	return r, nil
}

// handle returns the object standing for slot in this realm. The same slot
// always yields the same frozen object.
func (r *runtime) handle(slot message.SlotID) goja.Value {
	if h, ok := r.slots[slot]; ok {
		return h
	}
	h := r.vm.NewObject()
	if _, err := r.freeze(goja.Undefined(), h); err != nil {
		panic(err)
	}
	r.handles[h] = slot
	r.slots[slot] = h
	return h
}

// slotOf reports the slot behind v when v is a reference handle.
func (r *runtime) slotOf(v goja.Value) (message.SlotID, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return 0, false
	}
	slot, ok := r.handles[obj]
	return slot, ok
}

// charge consumes one unit. Exhaustion interrupts the running script; the
// interrupt cannot be caught by vat code.
func (r *runtime) charge() bool {
	if err := r.meter.Use(1); err != nil {
		r.vm.Interrupt(err)
		return false
	}
	return true
}

func (r *runtime) toJS(v any) goja.Value {
	switch val := v.(type) {
	case nil:
		return goja.Null()
	case message.Undefined:
		return goja.Undefined()
	case message.ErrorValue:
		return r.newError(val)
	case message.Ref:
		return r.handle(val.Slot)
	case []any:
		items := make([]any, 0, len(val))
		for _, item := range val {
			items = append(items, r.toJS(item))
		}
		return r.vm.NewArray(items...)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := r.vm.NewObject()
		for _, k := range keys {
			_ = obj.Set(k, r.toJS(val[k]))
		}
		return obj
	default:
		return r.vm.ToValue(val)
	}
}

func (r *runtime) newError(ev message.ErrorValue) goja.Value {
	obj, err := r.vm.New(r.vm.Get("Error"), r.vm.ToValue(ev.Message))
	if err != nil {
		return r.vm.ToValue(ev.Error())
	}
	if ev.Name != "" {
		_ = obj.Set("name", ev.Name)
	}
	return obj
}

// fromJS converts a value leaving the vat. References survive only as the
// handles the kernel handed in.
func (r *runtime) fromJS(v goja.Value, depth int) (any, error) {
	if depth > maxValueDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrUnsendable, maxValueDepth)
	}
	if v == nil || goja.IsUndefined(v) {
		return message.Undefined{}, nil
	}
	if goja.IsNull(v) {
		return nil, nil
	}
	if slot, ok := r.slotOf(v); ok {
		return message.Ref{Slot: slot}, nil
	}
	switch ex := v.Export().(type) {
	case string, bool, int64, float64:
		return ex, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsendable, v.String())
	}
	if _, ok := goja.AssertFunction(obj); ok {
		return nil, fmt.Errorf("%w: function", ErrUnsendable)
	}
	switch obj.ClassName() {
	case "Error":
		return r.errorValue(obj), nil
	case "Array":
		n := int(obj.Get("length").ToInteger())
		out := make([]any, 0, n)
		for i := 0; i < n; i++ {
			item, err := r.fromJS(obj.Get(fmt.Sprint(i)), depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	}
	out := make(map[string]any)
	for _, k := range obj.Keys() {
		item, err := r.fromJS(obj.Get(k), depth+1)
		if err != nil {
			return nil, err
		}
		out[k] = item
	}
	return out, nil
}

func (r *runtime) errorValue(v goja.Value) message.ErrorValue {
	obj, ok := v.(*goja.Object)
	if !ok || v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		msg := "undefined"
		if v != nil {
			msg = v.String()
		}
		return message.ErrorValue{Name: "Error", Message: msg}
	}
	ev := message.ErrorValue{Name: "Error"}
	if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
		ev.Name = name.String()
	}
	if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
		ev.Message = msg.String()
	} else {
		ev.Message = obj.String()
	}
	return ev
}

// classify maps a script error onto the vat error vocabulary. Meter
// exhaustion is reported as meter.ErrExhausted.
func (r *runtime) classify(err error) (message.ErrorValue, error) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok && errors.Is(cause, meter.ErrExhausted) {
			return message.ErrorValue{}, meter.ErrExhausted
		}
		return message.ErrorValue{Name: "Error", Message: interrupted.Error()}, nil
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return r.errorValue(exception.Value()), nil
	}
	return message.ErrorValue{Name: "Error", Message: err.Error()}, nil
}
