package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultMaxAssetSize   = 64 << 20 // 64MB
	DefaultMaxURLLength   = 8192
	DefaultRequestTimeout = 2 * time.Minute
)

var (
	ErrNotFound      = errors.New("asset not found")
	ErrAssetTooLarge = errors.New("asset exceeds max size")
)

// FetchConfig limits what a Fetcher will download.
type FetchConfig struct {
	MaxAssetSize   int64
	MaxURLLength   int
	RequestTimeout time.Duration
	// Proxy is an http, https or socks5 proxy URL for remote indexes.
	Proxy string
}

// Fetcher reads interpreter assets relative to an index location.
type Fetcher struct {
	cfg    FetchConfig
	client *http.Client
	// err is a configuration error reported by every remote fetch.
	err error
}

func NewFetcher(cfg FetchConfig) *Fetcher {
	if cfg.MaxAssetSize == 0 {
		cfg.MaxAssetSize = DefaultMaxAssetSize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	transport, err := newTransport(cfg.Proxy)
	return &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		err: err,
	}
}

// Resolve joins name onto index. Remote indexes yield a URL, local ones a
// filesystem path.
func Resolve(index, name string) (string, error) {
	if index == "" {
		return "", errors.New("index location required")
	}
	name = strings.TrimPrefix(name, "/")
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid asset name %q", name)
	}

	parsed, err := url.Parse(index)
	if err == nil {
		switch parsed.Scheme {
		case "http", "https":
			parsed.Path = path.Join("/", parsed.Path, name)
			return parsed.String(), nil
		case "file":
			return filepath.Join(filepath.FromSlash(parsed.Path), filepath.FromSlash(name)), nil
		}
	}
	return filepath.Join(index, filepath.FromSlash(name)), nil
}

// Fetch returns the content of name under index.
func (f *Fetcher) Fetch(ctx context.Context, index, name string) ([]byte, error) {
	loc, err := Resolve(index, name)
	if err != nil {
		return nil, err
	}
	if len(loc) > f.cfg.MaxURLLength {
		return nil, fmt.Errorf("location exceeds max length")
	}

	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		return f.fetchHTTP(ctx, loc)
	}
	return f.fetchFile(loc)
}

func (f *Fetcher) fetchHTTP(ctx context.Context, loc string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, loc)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", loc, resp.StatusCode)
	}

	return readLimited(resp.Body, f.cfg.MaxAssetSize)
}

func (f *Fetcher) fetchFile(loc string) ([]byte, error) {
	file, err := os.Open(loc)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, loc)
		}
		return nil, err
	}
	defer file.Close()

	return readLimited(file, f.cfg.MaxAssetSize)
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read asset: %w", err)
	}
	if int64(len(data)) > max {
		return nil, ErrAssetTooLarge
	}
	return data, nil
}
