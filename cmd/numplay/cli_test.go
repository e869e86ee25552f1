package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caffeineduck/numplay/playground"
	"github.com/caffeineduck/numplay/runtime"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(new(bytes.Buffer))
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// isolate keeps the user's config file and earlier tests' run flags out
// of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("INVOCATION_ID", "")
	require.NoError(t, runCmd.Flags().Set("code", ""))
	require.NoError(t, runCmd.Flags().Set("preset", "scratch"))
	if help := runCmd.Flags().Lookup("help"); help != nil {
		require.NoError(t, help.Value.Set("false"))
	}
}

func assertContainsAll(t *testing.T, output string, phrases ...string) {
	t.Helper()
	for _, phrase := range phrases {
		assert.Contains(t, output, phrase)
	}
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	require.NoError(t, err)
	assertContainsAll(t, output, "numplay", "scratch", "workflow", "run", "repl", "serve", "list", "index", "--backend", "--index-url")
}

func TestCLIRunHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "run", "--help")
	require.NoError(t, err)
	assertContainsAll(t, output, "--code", "--preset", "--run-timeout", "--load-timeout", "--max-lines")
}

func TestCLIReplHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "repl", "--help")
	require.NoError(t, err)
	assertContainsAll(t, output, "--preset", "--history", "Command history", "Line editing", ":reset")
}

func TestCLIServeHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "serve", "--help")
	require.NoError(t, err)
	assertContainsAll(t, output, "--listen", "--page-ttl", "/pages", "/output", "/health")
}

func TestCLIIndexHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "index", "--help")
	require.NoError(t, err)
	assertContainsAll(t, output, "pull", "python.wasm", "packages/<name>.py")
}

func TestCLIList(t *testing.T) {
	output, err := executeCommand(rootCmd, "list")
	require.NoError(t, err)
	assertContainsAll(t, output, "NAME", "scratch", "workflow", "sklearn-style")
}

func TestCLIShow(t *testing.T) {
	output, err := executeCommand(rootCmd, "show", "workflow")
	require.NoError(t, err)
	p, _ := playground.Lookup("workflow")
	assert.Equal(t, p.Source, output)

	_, err = executeCommand(rootCmd, "show", "pandas")
	assert.ErrorContains(t, err, "unknown playground")
}

func TestCLIRunInline(t *testing.T) {
	isolate(t)
	output, err := executeCommand(rootCmd, "run", "--preset", "scratch", "-c", "print(\"hello\")\nprint(np.zeros(2))")
	require.NoError(t, err)
	assertContainsAll(t, output, "Ready! Click 'Run' to train the model.", "hello", "[0. 0.]", "● done in")
}

func TestCLIRunFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "prog.star")
	require.NoError(t, os.WriteFile(path, []byte("print(np.arange(3))\n"), 0o644))

	output, err := executeCommand(rootCmd, "run", path)
	require.NoError(t, err)
	assert.Contains(t, output, "[0 1 2]")
}

func TestCLIRunFault(t *testing.T) {
	isolate(t)
	output, err := executeCommand(rootCmd, "run", "-c", "print(\"before\")\nfail(\"boom\")")
	require.ErrorIs(t, err, errRunFaulted)
	assertContainsAll(t, output, "before", "Traceback: fail: boom")
}

func TestCLIRunUnknownBackend(t *testing.T) {
	isolate(t)
	t.Cleanup(func() { rootCmd.PersistentFlags().Set("backend", "starlark") })

	_, err := executeCommand(rootCmd, "run", "-c", "print(1)", "--backend", "lua")
	assert.ErrorContains(t, err, `backend "lua"`)
}

func TestCLIRunPythonNeedsIndex(t *testing.T) {
	isolate(t)
	t.Cleanup(func() { rootCmd.PersistentFlags().Set("backend", "starlark") })

	_, err := executeCommand(rootCmd, "run", "-c", "print(1)", "--backend", "python")
	assert.ErrorContains(t, err, "index_url is required")
}

func TestCLIIndexPull(t *testing.T) {
	isolate(t)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "helpers.star"), []byte("def one():\n    return 1\n"), 0o644))
	dest := filepath.Join(t.TempDir(), "index")

	output, err := executeCommand(rootCmd, "index", "pull", dest, "--from", src, "--asset", "helpers.star")
	require.NoError(t, err)
	assert.Contains(t, output, "Pulled 1 assets")

	data, err := os.ReadFile(filepath.Join(dest, "helpers.star"))
	require.NoError(t, err)
	assert.Equal(t, "def one():\n    return 1\n", string(data))
}

func TestIndexAssets(t *testing.T) {
	assert.Equal(t,
		[]string{"python.wasm", "packages/numpy.py", "packages/extra.py"},
		indexAssets("python", []string{"numpy", "extra"}, nil))
	assert.Equal(t,
		[]string{"helpers.star", "README"},
		indexAssets("starlark", []string{"numpy", "helpers"}, []string{"README"}))
}

func TestPullIndexMissingAsset(t *testing.T) {
	dest := t.TempDir()
	pulled, err := pullIndex(context.Background(), runtime.NewFetcher(runtime.FetchConfig{}), t.TempDir(), dest, []string{"absent.star"}, time.Second)
	assert.ErrorIs(t, err, runtime.ErrNotFound)
	assert.Empty(t, pulled)
}

func TestPullIndexLocked(t *testing.T) {
	dest := t.TempDir()
	held := flock.New(filepath.Join(dest, indexLockFile))
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer held.Unlock()

	_, err = pullIndex(context.Background(), runtime.NewFetcher(runtime.FetchConfig{}), t.TempDir(), dest, nil, 50*time.Millisecond)
	assert.ErrorContains(t, err, "lock ")
}
