// Package config loads numplay's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendStarlark = "starlark"
	BackendPython   = "python"
)

// Config is the full file layout. Zero values are replaced by Default's.
type Config struct {
	Backend string  `yaml:"backend"`
	Runtime Runtime `yaml:"runtime"`
	Output  Output  `yaml:"output"`
	Server  Server  `yaml:"server"`
	Log     Log     `yaml:"log"`
}

type Runtime struct {
	// IndexURL is where interpreter assets and index packages live.
	IndexURL    string   `yaml:"index_url"`
	Packages    []string `yaml:"packages"`
	LoadTimeout Duration `yaml:"load_timeout"`
	RunTimeout  Duration `yaml:"run_timeout"`
	// MaxSteps bounds Starlark execution steps; zero is unlimited.
	MaxSteps uint64 `yaml:"max_steps"`
	// MemoryLimit caps Python interpreter memory, e.g. "256mb".
	MemoryLimit string `yaml:"memory_limit"`
	// CacheDir holds compiled Python modules. Empty means the user cache dir.
	CacheDir string `yaml:"cache_dir"`
	NoCache  bool   `yaml:"no_cache"`
	// Proxy routes index downloads. Empty means the proxy environment.
	Proxy string `yaml:"proxy"`
}

type Output struct {
	// MaxLines caps each run's transcript; zero is unbounded.
	MaxLines int `yaml:"max_lines"`
}

type Server struct {
	Listen       string   `yaml:"listen"`
	PageTTL      Duration `yaml:"page_ttl"`
	ReapInterval Duration `yaml:"reap_interval"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Backend: BackendStarlark,
		Runtime: Runtime{
			Packages: []string{"numpy"},
		},
		Server: Server{
			Listen:       "127.0.0.1:8080",
			PageTTL:      Duration(15 * time.Minute),
			ReapInterval: Duration(time.Minute),
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath is $XDG_CONFIG_HOME/numplay/config.yaml, falling back to
// ~/.config/numplay/config.yaml.
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "numplay", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "numplay", "config.yaml")
}

// Load reads path over the defaults. A missing file is an error only when
// required is set.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the values a command cannot work without.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendStarlark:
	case BackendPython:
		if c.Runtime.IndexURL == "" {
			errs = append(errs, errors.New("runtime.index_url is required for the python backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend %q: must be %s or %s", c.Backend, BackendStarlark, BackendPython))
	}

	if c.Runtime.LoadTimeout < 0 {
		errs = append(errs, errors.New("runtime.load_timeout must not be negative"))
	}
	if c.Runtime.RunTimeout < 0 {
		errs = append(errs, errors.New("runtime.run_timeout must not be negative"))
	}
	if _, err := MemoryPages(c.Runtime.MemoryLimit); err != nil {
		errs = append(errs, err)
	}
	for _, pkg := range c.Runtime.Packages {
		if strings.TrimSpace(pkg) == "" {
			errs = append(errs, errors.New("runtime.packages must not contain empty names"))
			break
		}
	}
	if c.Runtime.Proxy != "" {
		u, err := url.Parse(c.Runtime.Proxy)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("runtime.proxy: %w", err))
		case !slices.Contains([]string{"http", "https", "socks", "socks5", "socks5h"}, u.Scheme) || u.Host == "":
			errs = append(errs, fmt.Errorf("runtime.proxy %q: must be an http, https or socks5 URL", c.Runtime.Proxy))
		}
	}
	if c.Output.MaxLines < 0 {
		errs = append(errs, errors.New("output.max_lines must not be negative"))
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.PageTTL <= 0 {
		errs = append(errs, errors.New("server.page_ttl must be positive"))
	}
	if c.Server.ReapInterval <= 0 {
		errs = append(errs, errors.New("server.reap_interval must be positive"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q: must be debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: must be text or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

// Encode writes c as YAML.
func (c *Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// memoryLimits are in 64KB wasm pages.
var memoryLimits = map[string]uint32{
	"16mb":  256,
	"64mb":  1024,
	"256mb": 4096,
	"1gb":   16384,
	"4gb":   65536,
}

// MemoryPages converts a memory_limit value to wasm pages. An empty value
// means the runtime default and returns 0.
func MemoryPages(limit string) (uint32, error) {
	if limit == "" {
		return 0, nil
	}
	pages, ok := memoryLimits[strings.ToLower(limit)]
	if !ok {
		return 0, fmt.Errorf("runtime.memory_limit %q: must be 16mb, 64mb, 256mb, 1gb or 4gb", limit)
	}
	return pages, nil
}

// Duration is a time.Duration written as "30s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" || s == "0" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
