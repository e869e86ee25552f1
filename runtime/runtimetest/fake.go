// Package runtimetest provides scriptable fakes for runtime.Factory and
// runtime.Interpreter.
//
// The fake interpreter understands one directive per line:
//
//	print <text>   write <text> to stdout
//	warn <text>    write <text> to stderr
//	raise <text>   fail the run with a fault
//	wait           block until the interpreter's Gate is released
//	panic <text>   panic inside Run
package runtimetest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/numplay/runtime"
)

// Interpreter is a fake runtime.Interpreter.
type Interpreter struct {
	// Gate releases runs blocked on a wait directive.
	Gate chan struct{}
	// Started receives a value each time a run begins, if non-nil.
	Started chan struct{}
	// PackageErr fails LoadPackage for the named package.
	PackageErr map[string]error

	mu       sync.Mutex
	stdout   func(string)
	stderr   func(string)
	packages []string
	runs     []string
	closed   bool
}

func NewInterpreter() *Interpreter {
	return &Interpreter{Gate: make(chan struct{})}
}

func (i *Interpreter) LoadPackage(ctx context.Context, name string) error {
	if err := i.PackageErr[name]; err != nil {
		return err
	}
	i.mu.Lock()
	i.packages = append(i.packages, name)
	i.mu.Unlock()
	return nil
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

func (i *Interpreter) Run(ctx context.Context, code string) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return runtime.ErrClosed
	}
	i.runs = append(i.runs, code)
	stdout, stderr := i.stdout, i.stderr
	i.mu.Unlock()

	if i.Started != nil {
		i.Started <- struct{}{}
	}

	for _, line := range strings.Split(code, "\n") {
		directive, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch directive {
		case "print":
			if stdout != nil {
				stdout(arg)
			}
		case "warn":
			if stderr != nil {
				stderr(arg)
			}
		case "raise":
			return &runtime.FaultError{Message: arg, Traceback: "line: raise " + arg}
		case "wait":
			select {
			case <-i.Gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		case "panic":
			panic(arg)
		}
	}
	return nil
}

func (i *Interpreter) Close(ctx context.Context) error {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()
	return nil
}

// Packages lists loaded packages in load order.
func (i *Interpreter) Packages() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.packages...)
}

// Runs lists submitted sources.
func (i *Interpreter) Runs() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.runs...)
}

func (i *Interpreter) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// Factory is a fake runtime.Factory that hands out fresh Interpreters.
type Factory struct {
	// Err fails every CreateInterpreter call.
	Err error
	// Hold, when non-nil, blocks CreateInterpreter until it is closed.
	Hold chan struct{}
	// New builds the interpreter returned by the next call.
	New func() *Interpreter

	calls   atomic.Int32
	mu      sync.Mutex
	created []*Interpreter
	configs []runtime.Config
}

func (f *Factory) CreateInterpreter(ctx context.Context, cfg runtime.Config) (runtime.Interpreter, error) {
	f.calls.Add(1)

	if f.Hold != nil {
		select {
		case <-f.Hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.Err != nil {
		return nil, f.Err
	}

	newInterp := f.New
	if newInterp == nil {
		newInterp = NewInterpreter
	}
	interp := newInterp()

	f.mu.Lock()
	f.created = append(f.created, interp)
	f.configs = append(f.configs, cfg)
	f.mu.Unlock()
	return interp, nil
}

// Calls counts CreateInterpreter invocations.
func (f *Factory) Calls() int {
	return int(f.calls.Load())
}

// Last returns the most recently created interpreter.
func (f *Factory) Last() *Interpreter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

var ErrLoad = errors.New("network unreachable")

// Configs returns the configs passed to CreateInterpreter.
func (f *Factory) Configs() []runtime.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runtime.Config(nil), f.configs...)
}
