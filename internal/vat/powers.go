package vat

import (
	"strings"

	"github.com/dop251/goja"

	"github.com/danmuck/vatctl/internal/message"
)

// powers builds the vatPowers object passed to buildRootObject.
func (r *runtime) powers(sys Syscall) *goja.Object {
	p := r.vm.NewObject()
	_ = p.Set("send", func(call goja.FunctionCall) goja.Value {
		target, ok := r.slotOf(call.Argument(0))
		if !ok {
			panic(r.vm.NewTypeError("send target is not a reference"))
		}
		method := call.Argument(1)
		if goja.IsUndefined(method) || goja.IsNull(method) {
			panic(r.vm.NewTypeError("send requires a method name"))
		}
		args := make([]any, 0, len(call.Arguments))
		for i := 2; i < len(call.Arguments); i++ {
			v, err := r.fromJS(call.Arguments[i], 0)
			if err != nil {
				panic(r.vm.NewTypeError(err.Error()))
			}
			args = append(args, v)
		}
		data, err := message.Marshal(args)
		if err != nil {
			panic(r.vm.NewTypeError(err.Error()))
		}
		if err := sys.Send(target, method.String(), data); err != nil {
			panic(r.vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	_ = p.Set("exitVat", func(goja.FunctionCall) goja.Value {
		sys.Exit(nil)
		return goja.Undefined()
	})
	_ = p.Set("exitVatWithFailure", func(call goja.FunctionCall) goja.Value {
		sys.Exit(r.errorValue(call.Argument(0)))
		return goja.Undefined()
	})
	_ = p.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		sys.Log(strings.Join(parts, " "))
		return goja.Undefined()
	})
	return p
}
