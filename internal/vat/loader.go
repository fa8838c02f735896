package vat

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/danmuck/vatctl/internal/bundle"
	"github.com/danmuck/vatctl/internal/logging"
	"github.com/danmuck/vatctl/internal/meter"
)

const (
	EntryPoint              = "buildRootObject"
	DefaultCacheSize        = 64
	DefaultMaxCallStackSize = 512
)

type LoaderConfig struct {
	CacheSize        int
	MaxCallStackSize int
}

// Loader compiles bundles once per bundle id and evaluates them in a fresh
// runtime per vat.
type Loader struct {
	maxCallStack int
	programs     *lru.Cache
	log          zerolog.Logger
}

func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.MaxCallStackSize <= 0 {
		cfg.MaxCallStackSize = DefaultMaxCallStackSize
	}
	programs, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("vat: program cache: %w", err)
	}
	return &Loader{
		maxCallStack: cfg.MaxCallStackSize,
		programs:     programs,
		log:          logging.Component("vat.loader"),
	}, nil
}

// Load evaluates b under m and returns the constructor for its root object.
// Script work done while evaluating the module is charged to m.
func (l *Loader) Load(b bundle.Bundle, m *meter.Meter) (Constructor, error) {
	s, err := bundle.Validate(b)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = meter.Unlimited()
	}
	prog, err := l.program(s)
	if err != nil {
		return nil, err
	}
	rt, err := newRuntime(m, l.maxCallStack)
	if err != nil {
		return nil, err
	}
	exports, err := rt.evaluate(prog, s.ModuleFormat)
	if err != nil {
		return nil, err
	}
	obj, ok := exports.(*goja.Object)
	if !ok || goja.IsUndefined(exports) || goja.IsNull(exports) {
		return nil, ErrMissingEntryPoint
	}
	build, ok := goja.AssertFunction(obj.Get(EntryPoint))
	if !ok {
		return nil, ErrMissingEntryPoint
	}
	return func(sys Syscall) (Dispatcher, error) {
		return rt.construct(build, sys)
	}, nil
}

// Cached reports how many compiled programs are held.
func (l *Loader) Cached() int {
	return l.programs.Len()
}

func (l *Loader) program(s bundle.Structured) (*goja.Program, error) {
	id := s.ID()
	if cached, ok := l.programs.Get(id); ok {
		return cached.(*goja.Program), nil
	}
	src, err := Instrument(wrapSource(s.ModuleFormat, s.Source))
	if err != nil {
		return nil, &BuildFailure{Name: "SyntaxError", Message: err.Error(), Err: err}
	}
	parsed, err := goja.Parse(string(id), src, parser.WithDisableSourceMaps)
	if err != nil {
		return nil, &BuildFailure{Name: "SyntaxError", Message: err.Error(), Err: err}
	}
	prog, err := goja.CompileAST(parsed, false)
	if err != nil {
		return nil, &BuildFailure{Name: "SyntaxError", Message: err.Error(), Err: err}
	}
	l.programs.Add(id, prog)
	l.log.Debug().Str("bundle", string(id)).Str("format", s.ModuleFormat).Msg("vat.Loader.program compiled")
	return prog, nil
}

func wrapSource(format, src string) string {
	if format == bundle.FormatCommonJS {
		return "(function (module, exports) {\n" + src + "\n})"
	}
	return "(" + src + "\n)"
}

func (r *runtime) evaluate(prog *goja.Program, format string) (goja.Value, error) {
	r.vm.ClearInterrupt()
	v, err := r.vm.RunProgram(prog)
	if err != nil {
		return nil, r.buildFailure(err)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, &BuildFailure{Name: "TypeError", Message: "bundle source does not evaluate to a function"}
	}
	if format != bundle.FormatCommonJS {
		exports, err := fn(goja.Undefined())
		if err != nil {
			return nil, r.buildFailure(err)
		}
		return exports, nil
	}
	module := r.vm.NewObject()
	exports := r.vm.NewObject()
	_ = module.Set("exports", exports)
	if _, err := fn(goja.Undefined(), module, exports); err != nil {
		return nil, r.buildFailure(err)
	}
	return module.Get("exports"), nil
}

func (r *runtime) construct(build goja.Callable, sys Syscall) (Dispatcher, error) {
	r.vm.ClearInterrupt()
	root, err := build(goja.Undefined(), r.powers(sys))
	if err != nil {
		return nil, r.buildFailure(err)
	}
	obj, ok := root.(*goja.Object)
	if !ok || goja.IsUndefined(root) || goja.IsNull(root) {
		return nil, &BuildFailure{Name: "TypeError", Message: EntryPoint + " did not return an object"}
	}
	return &Handler{rt: r, root: obj}, nil
}

func (r *runtime) buildFailure(err error) error {
	ev, cause := r.classify(err)
	if cause != nil {
		return &BuildFailure{Name: "Error", Message: cause.Error(), Err: cause}
	}
	return &BuildFailure{Name: ev.Name, Message: ev.Message, Err: err}
}

// IsBuildFailure reports whether err came from bundle code rather than the
// loader itself.
func IsBuildFailure(err error) bool {
	var bf *BuildFailure
	return errors.As(err, &bf)
}
