// Package python runs playground programs on a CPython WASI build executed
// by wazero.
//
// Nothing is embedded: the interpreter module and pure-Python packages are
// fetched from the index location in runtime.Config, so the first load pays
// the download and compile cost and later runs reuse the compiled module.
//
// Layout of an index:
//
//	python.wasm           the interpreter (wasm32-wasi)
//	packages/<name>.py    one module per loadable package
package python

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caffeineduck/numplay/output"
	"github.com/caffeineduck/numplay/runtime"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

const (
	// Name identifies this backend in configuration.
	Name = "python"
	// DefaultModule is the interpreter asset name under the index.
	DefaultModule = "python.wasm"
	packagesDir   = "packages"
)

var ErrIndexRequired = errors.New("python backend requires an index location")

// Factory creates Python interpreters.
type Factory struct {
	fetcher          *runtime.Fetcher
	module           string
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32
	logger           *slog.Logger
}

type Option func(*Factory)

// WithDiskCache persists compiled modules across processes. Uses
// $XDG_CACHE_HOME/numplay or ~/.cache/numplay when dir is empty.
func WithDiskCache(dir string) Option {
	return func(f *Factory) {
		f.diskCache = true
		f.cacheDir = dir
	}
}

// WithMemoryLimit caps interpreter memory in 64KB wasm pages.
func WithMemoryLimit(pages uint32) Option {
	return func(f *Factory) {
		f.memoryLimitPages = pages
	}
}

// WithModule overrides the interpreter asset name.
func WithModule(name string) Option {
	return func(f *Factory) {
		f.module = name
	}
}

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
	f := &Factory{
		module: DefaultModule,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.fetcher == nil {
		f.fetcher = runtime.NewFetcher(runtime.FetchConfig{})
	}
	return f
}

// CreateInterpreter downloads and compiles the interpreter module. Each
// interpreter has its own wazero runtime, so instances share nothing.
func (f *Factory) CreateInterpreter(ctx context.Context, cfg runtime.Config) (runtime.Interpreter, error) {
	if cfg.IndexURL == "" {
		return nil, ErrIndexRequired
	}

	wasm, err := f.fetcher.Fetch(ctx, cfg.IndexURL, f.module)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", f.module, err)
	}
	f.logger.Debug("interpreter module fetched", "index", cfg.IndexURL, "bytes", len(wasm))

	var cache wazero.CompilationCache
	if f.diskCache {
		dir := f.cacheDir
		if dir == "" {
			dir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if f.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(f.memoryLimitPages)
	}

	// The runtime outlives the load context; runs pass their own.
	rt := wazero.NewRuntimeWithConfig(context.WithoutCancel(ctx), rtConfig)
	interp := &Interpreter{
		index:   cfg.IndexURL,
		fetcher: f.fetcher,
		runtime: rt,
		cache:   cache,
		logger:  f.logger,
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		interp.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	interp.compiled, err = rt.CompileModule(ctx, wasm)
	if err != nil {
		interp.Close(ctx)
		return nil, fmt.Errorf("compile %s: %w", f.module, err)
	}
	return interp, nil
}

// Interpreter is a Python runtime.Interpreter. Every run instantiates the
// compiled module afresh with the loaded packages installed first.
type Interpreter struct {
	index    string
	fetcher  *runtime.Fetcher
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled wazero.CompiledModule
	logger   *slog.Logger

	mu       sync.Mutex
	packages []pkg
	stdout   func(string)
	stderr   func(string)
	closed   bool
}

type pkg struct {
	name   string
	source []byte
}

var _ runtime.Interpreter = (*Interpreter)(nil)

func (i *Interpreter) LoadPackage(ctx context.Context, name string) error {
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %s", runtime.ErrUnknownPackage, name)
	}
	src, err := i.fetcher.Fetch(ctx, i.index, packagesDir+"/"+name+".py")
	if errors.Is(err, runtime.ErrNotFound) {
		return fmt.Errorf("%w: %s", runtime.ErrUnknownPackage, name)
	}
	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return runtime.ErrClosed
	}
	for _, p := range i.packages {
		if p.name == name {
			return nil
		}
	}
	i.packages = append(i.packages, pkg{name: name, source: src})
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

// Run executes code with "python -c". A non-zero exit is a fault whose
// message is the last line Python wrote to stderr.
func (i *Interpreter) Run(ctx context.Context, code string) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return runtime.ErrClosed
	}
	script := bootstrap(i.packages, code)
	emitOut, emitErr := i.stdout, i.stderr
	i.mu.Unlock()

	var lastErr string
	stdout := output.NewLineWriter(func(line string) {
		if emitOut != nil {
			emitOut(line)
		}
	})
	stderr := output.NewLineWriter(func(line string) {
		if strings.TrimSpace(line) != "" {
			lastErr = line
		}
		if emitErr != nil {
			emitErr(line)
		}
	})

	moduleConfig := wazero.NewModuleConfig().
		WithStdout(stdout).
		WithStderr(stderr).
		WithArgs("python", "-c", script).
		WithName("")

	mod, err := i.runtime.InstantiateModule(ctx, i.compiled, moduleConfig)
	stdout.Flush()
	stderr.Flush()
	if mod != nil {
		mod.Close(ctx)
	}
	if err == nil {
		return nil
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == 0 {
			return nil
		}
		if ctx.Err() == nil {
			msg := lastErr
			if msg == "" {
				msg = fmt.Sprintf("exited with code %d", exitErr.ExitCode())
			}
			return &runtime.FaultError{Message: msg, Traceback: msg}
		}
	}
	if ctx.Err() != nil {
		return fmt.Errorf("execution interrupted: %w", context.Cause(ctx))
	}
	return fmt.Errorf("execution failed: %w", err)
}

func (i *Interpreter) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil
	}
	i.closed = true

	var errs []error
	if err := i.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if i.cache != nil {
		if err := i.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// bootstrap installs each package as an importable module, then runs code
// under the "<playground>" filename so tracebacks point at user lines.
func bootstrap(packages []pkg, code string) string {
	var b strings.Builder
	b.WriteString("import base64 as _b64, sys as _sys, types as _types\n")
	for _, p := range packages {
		fmt.Fprintf(&b, "_m = _types.ModuleType(%q)\n", p.name)
		fmt.Fprintf(&b, "exec(compile(_b64.b64decode(%q).decode(), %q, 'exec'), _m.__dict__)\n",
			base64.StdEncoding.EncodeToString(p.source), p.name+".py")
		fmt.Fprintf(&b, "_sys.modules[%q] = _m\n", p.name)
	}
	b.WriteString("del _b64, _sys, _types\n")
	fmt.Fprintf(&b, "exec(compile(__import__('base64').b64decode(%q).decode(), '<playground>', 'exec'), {'__name__': '__main__'})\n",
		base64.StdEncoding.EncodeToString([]byte(code)))
	return b.String()
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "numplay")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "numplay")
	}
	return filepath.Join(os.TempDir(), "numplay-cache")
}
