package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caffeineduck/numplay/internal/config"
	"github.com/caffeineduck/numplay/internal/logging"
	"github.com/caffeineduck/numplay/language/python"
	"github.com/caffeineduck/numplay/language/star"
	"github.com/caffeineduck/numplay/playground"
	"github.com/caffeineduck/numplay/runtime"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "numplay [file]",
	Short: "Logistic regression playground with a NumPy-style runtime",
	Long: `numplay - Edit and run numeric programs against a lazily loaded interpreter.

Two playgrounds ship built in: "scratch" trains a logistic regression from
scratch and "workflow" walks through a scikit-learn style pipeline. Programs
run on the in-process Starlark backend by default, or on a CPython WASI build
fetched from an index location (--backend python --index-url ...).

Settings are read from $XDG_CONFIG_HOME/numplay/config.yaml when present;
flags override the file.`,
	Args:          cobra.MaximumNArgs(1),
	RunE:          runRun, // Default to run command behavior
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default: $XDG_CONFIG_HOME/numplay/config.yaml)")
	pf.StringP("backend", "b", "", "Interpreter backend: starlark, python")
	pf.String("index-url", "", "Index location for interpreter assets and packages")
	pf.StringSlice("package", nil, "Package to load before running (repeatable, replaces configured packages)")
	pf.Duration("load-timeout", 0, "Bound on loading the runtime (0 waits indefinitely)")
	pf.Duration("run-timeout", 0, "Bound on each run (0 waits indefinitely)")
	pf.Int("max-lines", 0, "Cap on output lines per run (0 is unbounded)")
	pf.Uint64("max-steps", 0, "Cap on Starlark execution steps (0 is unbounded)")
	pf.String("memory", "", "Python memory limit: 16mb, 64mb, 256mb, 1gb, 4gb")
	pf.Bool("no-cache", false, "Disable compilation cache")
	pf.String("proxy", "", "Proxy for remote indexes: http, https or socks5 URL (default from environment)")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-format", "", "Log format: text, json")

	addRunFlags(rootCmd)
}

// app is what every command builds from config and flags.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	factory runtime.Factory
}

func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	factory, err := newFactory(cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("configured", "backend", cfg.Backend, "index", cfg.Runtime.IndexURL, "packages", cfg.Runtime.Packages)
	return &app{cfg: cfg, logger: logger, factory: factory}, nil
}

// loadConfig reads the config file and applies any flag the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	path, _ := flags.GetString("config")
	required := path != ""
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path, required)
	if err != nil {
		return nil, err
	}

	if flags.Changed("backend") {
		cfg.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("index-url") {
		cfg.Runtime.IndexURL, _ = flags.GetString("index-url")
	}
	if flags.Changed("proxy") {
		cfg.Runtime.Proxy, _ = flags.GetString("proxy")
	}
	if flags.Changed("package") {
		cfg.Runtime.Packages, _ = flags.GetStringSlice("package")
	}
	if flags.Changed("load-timeout") {
		d, _ := flags.GetDuration("load-timeout")
		cfg.Runtime.LoadTimeout = config.Duration(d)
	}
	if flags.Changed("run-timeout") {
		d, _ := flags.GetDuration("run-timeout")
		cfg.Runtime.RunTimeout = config.Duration(d)
	}
	if flags.Changed("max-lines") {
		cfg.Output.MaxLines, _ = flags.GetInt("max-lines")
	}
	if flags.Changed("max-steps") {
		cfg.Runtime.MaxSteps, _ = flags.GetUint64("max-steps")
	}
	if flags.Changed("memory") {
		cfg.Runtime.MemoryLimit, _ = flags.GetString("memory")
	}
	if flags.Changed("no-cache") {
		cfg.Runtime.NoCache, _ = flags.GetBool("no-cache")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(
		logging.WithLevel(level),
		logging.WithFormat(logging.Format(cfg.Log.Format)),
		logging.WithOutput(w),
	), nil
}

func newFactory(cfg *config.Config, logger *slog.Logger) (runtime.Factory, error) {
	fetcher := runtime.NewFetcher(runtime.FetchConfig{Proxy: cfg.Runtime.Proxy})

	switch cfg.Backend {
	case config.BackendPython:
		opts := []python.Option{
			python.WithFetcher(fetcher),
			python.WithLogger(logger.With("backend", python.Name)),
		}
		if !cfg.Runtime.NoCache {
			opts = append(opts, python.WithDiskCache(cfg.Runtime.CacheDir))
		}
		pages, err := config.MemoryPages(cfg.Runtime.MemoryLimit)
		if err != nil {
			return nil, err
		}
		if pages > 0 {
			opts = append(opts, python.WithMemoryLimit(pages))
		}
		return python.New(opts...), nil
	case config.BackendStarlark:
		return star.New(
			star.WithFetcher(fetcher),
			star.WithLogger(logger.With("backend", star.Name)),
			star.WithMaxSteps(cfg.Runtime.MaxSteps),
		), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// viewOptions turns runtime settings into per-playground options.
func (a *app) viewOptions() []playground.Option {
	return []playground.Option{
		playground.WithRuntimeConfig(runtime.Config{
			IndexURL: a.cfg.Runtime.IndexURL,
			Packages: a.cfg.Runtime.Packages,
		}),
		playground.WithLoadTimeout(a.cfg.Runtime.LoadTimeout.Std()),
		playground.WithRunTimeout(a.cfg.Runtime.RunTimeout.Std()),
		playground.WithOutputLimit(a.cfg.Output.MaxLines),
		playground.WithLogger(a.logger),
	}
}
