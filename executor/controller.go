package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/numplay/editor"
	"github.com/caffeineduck/numplay/output"
	"github.com/caffeineduck/numplay/runtime"
)

var (
	ErrNotReady = errors.New("runtime not ready")
	ErrBusy     = errors.New("run in progress")
)

const (
	stderrPrefix    = "Error: "
	tracebackPrefix = "Traceback: "

	// DefaultResetPrompt is asked before discarding edits.
	DefaultResetPrompt = "Reset code to default? This will discard your changes."
)

// Status is the run state shown next to the run button.
type Status int

const (
	NotReady Status = iota
	Ready
	Running
)

func (s Status) String() string {
	switch s {
	case NotReady:
		return "not_ready"
	case Ready:
		return "ready"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result holds metadata from one run. Fault is the error the submitted code
// raised, or the interpreter failure that ended the run.
type Result struct {
	Duration time.Duration
	Lines    int
	Fault    error
}

// ResetOutcome reports what Reset did.
type ResetOutcome int

const (
	ResetDeclined ResetOutcome = iota
	ResetApplied
	ResetQueued
)

func (o ResetOutcome) String() string {
	switch o {
	case ResetDeclined:
		return "declined"
	case ResetApplied:
		return "applied"
	case ResetQueued:
		return "queued"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Confirmer asks the user a yes/no question.
type Confirmer interface {
	Confirm(prompt string) bool
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(prompt string) bool

func (f ConfirmFunc) Confirm(prompt string) bool { return f(prompt) }

// Answer is a Confirmer that always gives the same answer.
type Answer bool

func (a Answer) Confirm(string) bool { return bool(a) }

// Handle is the part of runtime.Loader the controller needs.
type Handle interface {
	Handle() (runtime.Interpreter, bool)
}

// Controller runs one playground's source. It is safe for concurrent use.
type Controller struct {
	loader Handle
	editor *editor.State
	sink   *output.Sink

	resetPrompt string
	runTimeout  time.Duration
	logger      *slog.Logger

	mu           sync.Mutex
	running      bool
	pendingReset bool
	changed      chan struct{}
}

type Option func(*Controller)

// WithRunTimeout bounds each run. Zero, the default, waits indefinitely.
func WithRunTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.runTimeout = d
	}
}

func WithResetPrompt(prompt string) Option {
	return func(c *Controller) {
		c.resetPrompt = prompt
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

func New(loader Handle, ed *editor.State, sink *output.Sink, opts ...Option) *Controller {
	c := &Controller{
		loader:      loader,
		editor:      ed,
		sink:        sink,
		resetPrompt: DefaultResetPrompt,
		logger:      slog.New(slog.DiscardHandler),
		changed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status derives the current status from the loader and the run flag.
func (c *Controller) Status() Status {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	if running {
		return Running
	}
	if _, ok := c.loader.Handle(); ok {
		return Ready
	}
	return NotReady
}

// Changed returns a channel closed at the next Ready/Running transition.
func (c *Controller) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

func (c *Controller) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Run submits the editor's source. It returns ErrNotReady or ErrBusy, with
// no side effects, unless the status is Ready.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return Result{}, ErrBusy
	}
	// Readiness is read under c.mu so an unmount that already happened
	// turns this run into a no-op.
	interp, ok := c.loader.Handle()
	if !ok {
		c.mu.Unlock()
		return Result{}, ErrNotReady
	}
	c.running = true
	c.notifyLocked()
	c.mu.Unlock()

	start := time.Now()
	source := c.editor.Source()
	c.sink.Clear()
	c.logger.Debug("run started", "bytes", len(source))

	var lines atomic.Int64
	interp.SetStdout(func(line string) {
		c.sink.Append(output.Line{Text: line, Stream: output.Stdout})
		lines.Add(1)
	})
	interp.SetStderr(func(line string) {
		c.sink.Append(output.Line{Text: stderrPrefix + line, Stream: output.Stderr})
		lines.Add(1)
	})

	err := c.submit(ctx, interp, source)
	if err != nil {
		c.sink.Append(output.Line{Text: tracebackPrefix + faultMessage(err), Stream: output.Stderr})
		lines.Add(1)
	}

	res := Result{Duration: time.Since(start), Lines: int(lines.Load()), Fault: err}
	if err != nil {
		c.logger.Info("run faulted", "duration", res.Duration, "error", err)
	} else {
		c.logger.Debug("run finished", "duration", res.Duration, "lines", res.Lines)
	}

	c.mu.Lock()
	c.running = false
	if c.pendingReset {
		c.pendingReset = false
		c.applyResetLocked()
		c.logger.Debug("queued reset applied")
	}
	c.notifyLocked()
	c.mu.Unlock()

	return res, nil
}

// submit runs code, turning a panic inside the interpreter into an error.
func (c *Controller) submit(ctx context.Context, interp runtime.Interpreter, code string) (err error) {
	if c.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.runTimeout, fmt.Errorf("run exceeded %v", c.runTimeout))
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interpreter panic: %v", r)
		}
	}()
	return interp.Run(ctx, code)
}

func faultMessage(err error) string {
	if fault, ok := runtime.AsFault(err); ok {
		return fault.Message
	}
	return err.Error()
}

// Reset restores the default source and clears the output once confirmed.
// The confirmation is asked without holding any lock.
func (c *Controller) Reset(confirm Confirmer) ResetOutcome {
	if confirm == nil || !confirm.Confirm(c.resetPrompt) {
		return ResetDeclined
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.pendingReset = true
		return ResetQueued
	}
	c.applyResetLocked()
	return ResetApplied
}

func (c *Controller) applyResetLocked() {
	c.editor.Reset()
	c.sink.Clear()
}

// ResetPrompt is the question Reset asks.
func (c *Controller) ResetPrompt() string {
	return c.resetPrompt
}
