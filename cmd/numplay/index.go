package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caffeineduck/numplay/language/python"
	"github.com/caffeineduck/numplay/runtime"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage a local index of interpreter assets",
	Long: `An index is the location interpreter assets are loaded from:

  python.wasm            CPython built for wasm32-wasi (python backend)
  packages/<name>.py     pure-Python packages (python backend)
  <name>.star            Starlark packages (starlark backend)

Mirroring a remote index into a local directory avoids the download on every
start; point --index-url (or runtime.index_url) at the directory afterwards.`,
}

var indexPullCmd = &cobra.Command{
	Use:   "pull <dir>",
	Short: "Copy assets from the configured index into a local directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndexPull,
}

func init() {
	indexPullCmd.Flags().String("from", "", "Index to pull from (default: the configured index)")
	indexPullCmd.Flags().StringSlice("asset", nil, "Extra asset path to pull (repeatable)")
	indexPullCmd.Flags().Duration("lock-timeout", 30*time.Second, "How long to wait for another pull to finish")
	indexCmd.AddCommand(indexPullCmd)
	rootCmd.AddCommand(indexCmd)
}

const indexLockFile = ".numplay.lock"

func runIndexPull(cmd *cobra.Command, args []string) error {
	dest := args[0]
	a, err := setup(cmd)
	if err != nil {
		return err
	}

	from := a.cfg.Runtime.IndexURL
	if cmd.Flags().Changed("from") {
		from, _ = cmd.Flags().GetString("from")
	}
	if from == "" {
		return errors.New("no index to pull from: set --from or --index-url")
	}
	extra, _ := cmd.Flags().GetStringSlice("asset")
	lockTimeout, _ := cmd.Flags().GetDuration("lock-timeout")

	assets := indexAssets(a.cfg.Backend, a.cfg.Runtime.Packages, extra)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pulled, err := pullIndex(ctx, runtime.NewFetcher(runtime.FetchConfig{Proxy: a.cfg.Runtime.Proxy}), from, dest, assets, lockTimeout)
	out := cmd.OutOrStdout()
	for _, name := range pulled {
		fmt.Fprintf(out, "  %s %s\n", readyStyle.Render("✓"), name)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Pulled %d assets into %s\n", len(pulled), dest)
	return nil
}

// indexAssets lists what the backend loads from an index.
func indexAssets(backend string, packages, extra []string) []string {
	var assets []string
	if backend == python.Name {
		assets = append(assets, python.DefaultModule)
		for _, pkg := range packages {
			assets = append(assets, "packages/"+pkg+".py")
		}
	} else {
		for _, pkg := range packages {
			// numpy is built into the Starlark backend.
			if pkg != runtime.DefaultPackage {
				assets = append(assets, pkg+".star")
			}
		}
	}
	return append(assets, extra...)
}

// pullIndex copies assets from index into dest while holding an exclusive
// lock on dest, so concurrent pulls never interleave.
func pullIndex(ctx context.Context, fetcher *runtime.Fetcher, index, dest string, assets []string, lockTimeout time.Duration) ([]string, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	lock := flock.New(filepath.Join(dest, indexLockFile))
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", dest, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %s: another pull is in progress", dest)
	}
	defer func() { _ = lock.Unlock() }()

	var pulled []string
	for _, name := range assets {
		data, err := fetcher.Fetch(ctx, index, name)
		if err != nil {
			return pulled, fmt.Errorf("fetch %s: %w", name, err)
		}
		if err := writeAtomic(filepath.Join(dest, filepath.FromSlash(name)), data); err != nil {
			return pulled, fmt.Errorf("write %s: %w", name, err)
		}
		pulled = append(pulled, name)
	}
	return pulled, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
