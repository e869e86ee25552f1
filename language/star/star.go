// Package star runs playground programs on an in-process Starlark
// interpreter.
//
// Starlark is a Python dialect, so the playground programs read like the
// Python they teach: a small import rewrite turns "import numpy as np" into
// a load statement, print accepts sep, end and file, and the numpy package
// provides the subset of NumPy that logistic regression needs.
//
// Each interpreter owns its loaded packages and random state. Globals are
// fresh for every run.
package star

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/caffeineduck/numplay/output"
	"github.com/caffeineduck/numplay/runtime"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// Name identifies this backend in configuration.
const Name = "starlark"

// fileOptions enables the Python constructs playground programs use.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// builtinPackages are compiled into the backend. Other packages are
// fetched as <name>.star from the index location.
var builtinPackages = map[string]func() *starlarkstruct.Module{
	runtime.DefaultPackage: newNumpy,
}

// packageAliases are the extra global names a loaded package is bound to.
var packageAliases = map[string][]string{
	runtime.DefaultPackage: {"np"},
}

// Factory creates Starlark interpreters.
type Factory struct {
	maxSteps uint64
	fetcher  *runtime.Fetcher
	logger   *slog.Logger
}

type Option func(*Factory)

// WithMaxSteps bounds the number of computation steps of a single run.
// Zero means unbounded.
func WithMaxSteps(n uint64) Option {
	return func(f *Factory) {
		f.maxSteps = n
	}
}

// WithFetcher sets how index packages are retrieved.
func WithFetcher(fetcher *runtime.Fetcher) Option {
	return func(f *Factory) {
		f.fetcher = fetcher
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

func New(opts ...Option) *Factory {
	f := &Factory{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(f)
	}
	if f.fetcher == nil {
		f.fetcher = runtime.NewFetcher(runtime.FetchConfig{})
	}
	return f
}

func (f *Factory) CreateInterpreter(ctx context.Context, cfg runtime.Config) (runtime.Interpreter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Interpreter{
		index:    cfg.IndexURL,
		maxSteps: f.maxSteps,
		fetcher:  f.fetcher,
		logger:   f.logger,
		packages: make(map[string]*starlarkstruct.Module),
	}, nil
}

// Interpreter is a Starlark runtime.Interpreter.
type Interpreter struct {
	index    string
	maxSteps uint64
	fetcher  *runtime.Fetcher
	logger   *slog.Logger

	mu       sync.Mutex
	packages map[string]*starlarkstruct.Module
	order    []string
	stdout   func(string)
	stderr   func(string)
	closed   bool
	running  bool
}

var _ runtime.Interpreter = (*Interpreter)(nil)

func (i *Interpreter) LoadPackage(ctx context.Context, name string) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return runtime.ErrClosed
	}
	if _, ok := i.packages[name]; ok {
		i.mu.Unlock()
		return nil
	}
	i.mu.Unlock()

	var module *starlarkstruct.Module
	if build, ok := builtinPackages[name]; ok {
		module = build()
	} else {
		var err error
		if module, err = i.fetchPackage(ctx, name); err != nil {
			return err
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.packages[name]; !ok {
		i.packages[name] = module
		i.order = append(i.order, name)
	}
	i.logger.Debug("package loaded", "package", name)
	return nil
}

// fetchPackage executes <name>.star from the index location and exposes
// its globals as a module.
func (i *Interpreter) fetchPackage(ctx context.Context, name string) (*starlarkstruct.Module, error) {
	if i.index == "" {
		return nil, fmt.Errorf("%w: %s", runtime.ErrUnknownPackage, name)
	}
	src, err := i.fetcher.Fetch(ctx, i.index, name+".star")
	if err != nil {
		return nil, err
	}
	thread := &starlark.Thread{
		Name:  "package " + name,
		Print: func(*starlark.Thread, string) {},
		Load:  i.load,
	}
	globals, err := starlark.ExecFileOptions(fileOptions, thread, name+".star", src, i.predeclared(nil))
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", name, err)
	}
	return &starlarkstruct.Module{Name: name, Members: globals}, nil
}

func (i *Interpreter) SetStdout(fn func(string)) {
	i.mu.Lock()
	i.stdout = fn
	i.mu.Unlock()
}

func (i *Interpreter) SetStderr(fn func(string)) {
	i.mu.Lock()
	i.stderr = fn
	i.mu.Unlock()
}

// Run executes code as a fresh Starlark module. Any error raised while
// resolving or executing it is a fault of the submitted code.
func (i *Interpreter) Run(ctx context.Context, code string) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return runtime.ErrClosed
	}
	if i.running {
		i.mu.Unlock()
		return fmt.Errorf("interpreter is busy")
	}
	i.running = true
	streams := &streams{
		stdout: output.NewLineWriter(orDiscard(i.stdout)),
		stderr: output.NewLineWriter(orDiscard(i.stderr)),
	}
	i.mu.Unlock()

	defer func() {
		streams.flush()
		i.mu.Lock()
		i.running = false
		i.mu.Unlock()
	}()

	thread := &starlark.Thread{
		Name: "playground",
		Print: func(_ *starlark.Thread, msg string) {
			streams.stdout.Write([]byte(msg + "\n"))
		},
		Load: i.load,
	}
	thread.SetLocal(streamsKey, streams)
	if i.maxSteps > 0 {
		thread.SetMaxExecutionSteps(i.maxSteps)
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(context.Cause(ctx).Error())
	})
	defer stop()

	_, err := starlark.ExecFileOptions(fileOptions, thread, "main.star", rewriteImports(code), i.predeclared(streams))
	if err != nil {
		return toFault(err)
	}
	return nil
}

func (i *Interpreter) Close(ctx context.Context) error {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()
	return nil
}

// predeclared binds every loaded package under its name and aliases,
// plus the print builtin and sys module bound to the run's streams.
func (i *Interpreter) predeclared(s *streams) starlark.StringDict {
	i.mu.Lock()
	defer i.mu.Unlock()

	env := starlark.StringDict{}
	for _, name := range i.order {
		env[name] = i.packages[name]
		for _, alias := range packageAliases[name] {
			env[alias] = i.packages[name]
		}
	}
	if s != nil {
		env["print"] = starlark.NewBuiltin("print", s.print)
		env["sys"] = s.module()
	}
	return env
}

// load resolves load("name", ...) against loaded packages. The module is
// bound under its own name and its members are exported individually.
func (i *Interpreter) load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	if module == "sys" {
		if s, ok := thread.Local(streamsKey).(*streams); ok {
			m := s.module()
			exports := starlark.StringDict{"sys": m}
			for k, v := range m.Members {
				exports[k] = v
			}
			return exports, nil
		}
	}

	i.mu.Lock()
	pkg, ok := i.packages[module]
	i.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no module named %q (loaded packages: %s)", module, strings.Join(i.loaded(), ", "))
	}
	exports := starlark.StringDict{module: pkg}
	for k, v := range pkg.Members {
		exports[k] = v
	}
	return exports, nil
}

func (i *Interpreter) loaded() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.order...)
}

func orDiscard(fn func(string)) func(string) {
	if fn == nil {
		return func(string) {}
	}
	return fn
}

func toFault(err error) error {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return &runtime.FaultError{Message: evalErr.Msg, Traceback: evalErr.Backtrace()}
	}
	return &runtime.FaultError{Message: err.Error(), Traceback: err.Error()}
}
