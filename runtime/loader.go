package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/caffeineduck/numplay/output"
)

// Lifecycle is the one-shot initialisation state of a Loader.
type Lifecycle int

const (
	NotStarted Lifecycle = iota
	InFlight
	Done
)

func (l Lifecycle) String() string {
	switch l {
	case NotStarted:
		return "not-started"
	case InFlight:
		return "in-flight"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("lifecycle(%d)", int(l))
	}
}

// DefaultReadyMessage is appended to the transcript once the runtime is usable.
const DefaultReadyMessage = "Ready…"

// Appender receives loader status lines.
type Appender interface {
	Append(line output.Line)
}

// Loader obtains one interpreter and reports readiness or failure. A failed
// load is permanent; there is no retry.
type Loader struct {
	factory      Factory
	cfg          Config
	sink         Appender
	readyMessage string
	loadTimeout  time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	state  Lifecycle
	interp Interpreter
	err    error
	closed bool
	done   chan struct{}
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithReadyMessage replaces DefaultReadyMessage.
func WithReadyMessage(msg string) LoaderOption {
	return func(l *Loader) {
		l.readyMessage = msg
	}
}

// WithLoadTimeout bounds interpreter acquisition and package loading.
func WithLoadTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		l.loadTimeout = d
	}
}

func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader returns a Loader in the NotStarted state. A nil factory models a
// hosting environment without the interpreter capability.
func NewLoader(factory Factory, cfg Config, sink Appender, opts ...LoaderOption) *Loader {
	l := &Loader{
		factory:      factory,
		cfg:          cfg,
		sink:         sink,
		readyMessage: DefaultReadyMessage,
		logger:       slog.New(slog.DiscardHandler),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start runs Initialize in the background.
func (l *Loader) Start(ctx context.Context) {
	go l.Initialize(ctx)
}

// Initialize performs the load if no other call has. It reports whether this
// call did the work; duplicate and concurrent calls return false at once.
func (l *Loader) Initialize(ctx context.Context) bool {
	l.mu.Lock()
	if l.state != NotStarted {
		l.mu.Unlock()
		return false
	}
	l.state = InFlight
	l.mu.Unlock()

	start := time.Now()
	l.logger.Debug("loading runtime", "index", l.cfg.IndexURL, "packages", l.cfg.Packages)

	interp, err := l.acquire(ctx)

	l.mu.Lock()
	if err == nil && l.closed {
		interp.Close(context.Background())
		interp, err = nil, ErrClosed
	}
	l.interp = interp
	l.err = err
	l.mu.Unlock()

	if err != nil {
		l.logger.Warn("runtime load failed", "error", err, "duration", time.Since(start))
		l.sink.Append(output.Line{
			Text:   fmt.Sprintf("Error loading runtime: %v", err),
			Stream: output.System,
		})
	} else {
		l.logger.Info("runtime ready", "duration", time.Since(start))
		l.sink.Append(output.Line{Text: l.readyMessage, Stream: output.System})
	}

	l.mu.Lock()
	l.state = Done
	close(l.done)
	l.mu.Unlock()

	return true
}

func (l *Loader) acquire(ctx context.Context) (interp Interpreter, err error) {
	if l.factory == nil {
		return nil, ErrRuntimeUnavailable
	}

	if l.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.loadTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			interp, err = nil, fmt.Errorf("runtime panicked: %v", r)
		}
	}()

	interp, err = l.factory.CreateInterpreter(ctx, l.cfg)
	if err != nil {
		return nil, fmt.Errorf("create interpreter: %w", err)
	}
	if interp == nil {
		return nil, ErrRuntimeUnavailable
	}

	for _, pkg := range l.cfg.Packages {
		if err := interp.LoadPackage(ctx, pkg); err != nil {
			interp.Close(context.Background())
			return nil, fmt.Errorf("load package %s: %w", pkg, err)
		}
	}
	return interp, nil
}

// State returns the current lifecycle state.
func (l *Loader) State() Lifecycle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Ready reports whether a usable interpreter exists.
func (l *Loader) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == Done && l.interp != nil
}

// Err returns the load failure, if any.
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Done {
		return nil
	}
	return l.err
}

// Handle returns the interpreter once the loader is ready.
func (l *Loader) Handle() (Interpreter, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Done || l.interp == nil {
		return nil, false
	}
	return l.interp, true
}

// Done is closed when the lifecycle reaches Done.
func (l *Loader) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until loading finished and returns its error.
func (l *Loader) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return l.Err()
	}
}

// Close releases the interpreter. A load still in flight is discarded when it
// completes.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	interp := l.interp
	l.interp = nil
	l.mu.Unlock()

	if interp == nil {
		return nil
	}
	return interp.Close(ctx)
}
