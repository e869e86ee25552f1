package playground

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/numplay/editor"
	"github.com/caffeineduck/numplay/executor"
	"github.com/caffeineduck/numplay/output"
	"github.com/caffeineduck/numplay/runtime"
	"github.com/google/uuid"
)

const (
	labelLoading     = "○ Loading..."
	labelReady       = "● Ready"
	labelRunning     = "⟳ Running..."
	labelUnavailable = "○ Unavailable"
)

// View is one playground instance. It owns its runtime, transcript and
// editor; two views never share any of them.
type View struct {
	ID     string
	preset Preset

	sink   *output.Sink
	editor *editor.State
	loader *runtime.Loader
	ctrl   *executor.Controller
	logger *slog.Logger

	mounted atomic.Bool
}

type options struct {
	config      runtime.Config
	loadTimeout time.Duration
	runTimeout  time.Duration
	outputLimit int
	logger      *slog.Logger
}

type Option func(*options)

// WithRuntimeConfig replaces runtime.DefaultConfig.
func WithRuntimeConfig(cfg runtime.Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

func WithLoadTimeout(d time.Duration) Option {
	return func(o *options) {
		o.loadTimeout = d
	}
}

func WithRunTimeout(d time.Duration) Option {
	return func(o *options) {
		o.runTimeout = d
	}
}

// WithOutputLimit caps the transcript; see output.WithLimit.
func WithOutputLimit(n int) Option {
	return func(o *options) {
		o.outputLimit = n
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New builds an unmounted view of preset backed by factory.
func New(preset Preset, factory runtime.Factory, opts ...Option) *View {
	o := options{
		config: runtime.DefaultConfig(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}

	id := uuid.NewString()
	logger := o.logger.With("playground", preset.Name, "id", id)

	sink := output.NewSink(output.WithLimit(o.outputLimit))
	ed := editor.New(preset.Source)

	loaderOpts := []runtime.LoaderOption{runtime.WithLogger(logger)}
	if preset.ReadyMessage != "" {
		loaderOpts = append(loaderOpts, runtime.WithReadyMessage(preset.ReadyMessage))
	}
	if o.loadTimeout > 0 {
		loaderOpts = append(loaderOpts, runtime.WithLoadTimeout(o.loadTimeout))
	}
	loader := runtime.NewLoader(factory, o.config, sink, loaderOpts...)

	ctrlOpts := []executor.Option{executor.WithLogger(logger)}
	if preset.ResetPrompt != "" {
		ctrlOpts = append(ctrlOpts, executor.WithResetPrompt(preset.ResetPrompt))
	}
	if o.runTimeout > 0 {
		ctrlOpts = append(ctrlOpts, executor.WithRunTimeout(o.runTimeout))
	}

	return &View{
		ID:     id,
		preset: preset,
		sink:   sink,
		editor: ed,
		loader: loader,
		ctrl:   executor.New(loader, ed, sink, ctrlOpts...),
		logger: logger,
	}
}

func (v *View) Preset() Preset {
	return v.preset
}

// Mount starts loading the runtime in the background. ctx must outlive the
// load; only the first call has any effect.
func (v *View) Mount(ctx context.Context) {
	if !v.mounted.CompareAndSwap(false, true) {
		return
	}
	v.logger.Debug("mounted")
	v.loader.Start(ctx)
}

// Loaded is closed once the runtime is ready or has failed to load.
func (v *View) Loaded() <-chan struct{} {
	return v.loader.Done()
}

// WaitLoaded blocks until the load finished and returns its error.
func (v *View) WaitLoaded(ctx context.Context) error {
	return v.loader.Wait(ctx)
}

// Unmount releases the runtime. The view cannot run code afterwards.
func (v *View) Unmount(ctx context.Context) error {
	v.logger.Debug("unmounted")
	return v.loader.Close(ctx)
}

func (v *View) Edit(source string) {
	v.editor.Set(source)
}

func (v *View) Run(ctx context.Context) (executor.Result, error) {
	return v.ctrl.Run(ctx)
}

func (v *View) Reset(confirm executor.Confirmer) executor.ResetOutcome {
	return v.ctrl.Reset(confirm)
}

func (v *View) ResetPrompt() string {
	return v.ctrl.ResetPrompt()
}

func (v *View) Status() executor.Status {
	return v.ctrl.Status()
}

// Changed is closed on the next status transition.
func (v *View) Changed() <-chan struct{} {
	return v.ctrl.Changed()
}

// Follow returns an auto-scroll cursor over the transcript.
func (v *View) Follow() *output.Follower {
	return v.sink.Follow()
}

func (v *View) Output() []output.Line {
	return v.sink.Lines()
}

// State is everything needed to render a view.
type State struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Title        string        `json:"title"`
	Badge        string        `json:"badge"`
	Status       string        `json:"status"`
	StatusLabel  string        `json:"status_label"`
	RunLabel     string        `json:"run_label"`
	RunEnabled   bool          `json:"run_enabled"`
	ResetEnabled bool          `json:"reset_enabled"`
	Source       string        `json:"source"`
	Modified     bool          `json:"modified"`
	LoadError    string        `json:"load_error,omitempty"`
	Output       []output.Line `json:"output"`
}

// Snapshot captures the view's current state.
func (v *View) Snapshot() State {
	status := v.ctrl.Status()
	s := State{
		ID:           v.ID,
		Name:         v.preset.Name,
		Title:        v.preset.Title,
		Badge:        v.preset.Badge,
		Status:       status.String(),
		RunLabel:     v.preset.RunLabel,
		RunEnabled:   status == executor.Ready,
		ResetEnabled: true,
		Source:       v.editor.Source(),
		Modified:     v.editor.Modified(),
		Output:       v.sink.Lines(),
	}

	switch status {
	case executor.Running:
		s.StatusLabel = labelReady
		s.RunLabel = labelRunning
	case executor.Ready:
		s.StatusLabel = labelReady
	default:
		s.StatusLabel = labelLoading
		if err := v.loader.Err(); err != nil {
			s.StatusLabel = labelUnavailable
			s.LoadError = err.Error()
		}
	}
	return s
}
