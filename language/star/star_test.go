package star

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caffeineduck/numplay/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu    sync.Mutex
	lines []string
}

func (c *capture) add(prefix string) func(string) {
	return func(line string) {
		c.mu.Lock()
		c.lines = append(c.lines, prefix+line)
		c.mu.Unlock()
	}
}

func (c *capture) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func newInterp(t *testing.T, cfg runtime.Config) (*Interpreter, *capture) {
	t.Helper()
	ctx := context.Background()
	it, err := New().CreateInterpreter(ctx, cfg)
	require.NoError(t, err)
	for _, pkg := range cfg.Packages {
		require.NoError(t, it.LoadPackage(ctx, pkg))
	}
	c := &capture{}
	it.SetStdout(c.add(""))
	it.SetStderr(c.add("err: "))
	t.Cleanup(func() { it.Close(ctx) })
	return it.(*Interpreter), c
}

func run(t *testing.T, code string) ([]string, error) {
	t.Helper()
	it, c := newInterp(t, runtime.DefaultConfig())
	err := it.Run(context.Background(), code)
	return c.all(), err
}

func TestRunPrintsInOrder(t *testing.T) {
	lines, err := run(t, `
print("a")
print("b", 1, 2.5)
print("c", "d", sep="-")
print("no newline", end="")
print(" joined")
print("x\ny")
`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b 1 2.5", "c-d", "no newline joined", "x", "y"}, lines)
}

func TestRunStderr(t *testing.T) {
	lines, err := run(t, `
import sys
print("out")
print("warned", file=sys.stderr)
sys.stderr.write("raw\n")
`)
	require.NoError(t, err)
	assert.Equal(t, []string{"out", "err: warned", "err: raw"}, lines)
}

func TestRunFailIsFault(t *testing.T) {
	lines, err := run(t, `
print("hello")
fail("boom")
print("unreachable")
`)
	assert.Equal(t, []string{"hello"}, lines)

	fault, ok := runtime.AsFault(err)
	require.True(t, ok, "expected fault, got %v", err)
	assert.Equal(t, "fail: boom", fault.Message)
	assert.Contains(t, fault.Traceback, "Traceback")
	assert.Contains(t, fault.Traceback, "main.star:3")
}

func TestRunSyntaxErrorIsFault(t *testing.T) {
	_, err := run(t, "def broken(:\n")
	fault, ok := runtime.AsFault(err)
	require.True(t, ok)
	assert.Contains(t, fault.Message, "main.star:1")
}

func TestRunGlobalsAreFresh(t *testing.T) {
	it, _ := newInterp(t, runtime.DefaultConfig())
	ctx := context.Background()
	require.NoError(t, it.Run(ctx, "x = 1"))

	err := it.Run(ctx, "print(x)")
	fault, ok := runtime.AsFault(err)
	require.True(t, ok)
	assert.Contains(t, fault.Message, "undefined: x")
}

func TestRunHonoursContext(t *testing.T) {
	it, _ := newInterp(t, runtime.DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := it.Run(ctx, "while True:\n    pass\n")
	fault, ok := runtime.AsFault(err)
	require.True(t, ok)
	assert.Contains(t, fault.Message, "cancelled")
}

func TestMaxSteps(t *testing.T) {
	ctx := context.Background()
	it, err := New(WithMaxSteps(1000)).CreateInterpreter(ctx, runtime.Config{})
	require.NoError(t, err)

	err = it.Run(ctx, "for i in range(100000):\n    pass\n")
	fault, ok := runtime.AsFault(err)
	require.True(t, ok)
	assert.Contains(t, fault.Message, "too many steps")
}

func TestRunAfterCloseFails(t *testing.T) {
	it, _ := newInterp(t, runtime.DefaultConfig())
	require.NoError(t, it.Close(context.Background()))
	assert.ErrorIs(t, it.Run(context.Background(), `print("x")`), runtime.ErrClosed)
}

func TestNumpyAliases(t *testing.T) {
	lines, err := run(t, `
import numpy as np
from numpy import zeros, ones as o
print(np.zeros(2), numpy.ones(2), zeros(1), o(1))
`)
	require.NoError(t, err)
	assert.Equal(t, []string{"[0. 0.] [1. 1.] [0.] [1.]"}, lines)
}

func TestNumpyNotLoadedWithoutPackage(t *testing.T) {
	it, _ := newInterp(t, runtime.Config{})
	err := it.Run(context.Background(), "import numpy as np\n")
	fault, ok := runtime.AsFault(err)
	require.True(t, ok)
	assert.Contains(t, fault.Message, `no module named "numpy"`)
}

func TestUnknownPackage(t *testing.T) {
	it, err := New().CreateInterpreter(context.Background(), runtime.Config{})
	require.NoError(t, err)
	assert.ErrorIs(t, it.LoadPackage(context.Background(), "pandas"), runtime.ErrUnknownPackage)
}

func TestIndexPackage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "helpers.star"), []byte(`
def sigmoid(z):
    return 1 / (1 + np.exp(-z))
`), 0o644))

	it, c := newInterp(t, runtime.Config{IndexURL: dir, Packages: []string{"numpy", "helpers"}})
	require.NoError(t, it.Run(context.Background(), `
from helpers import sigmoid
print(sigmoid(0))
print(helpers.sigmoid(np.zeros(2)))
`))
	assert.Equal(t, []string{"0.5", "[0.5 0.5]"}, c.all())
}

func TestIndexPackageMissing(t *testing.T) {
	it, err := New().CreateInterpreter(context.Background(), runtime.Config{IndexURL: t.TempDir()})
	require.NoError(t, err)
	err = it.LoadPackage(context.Background(), "helpers")
	assert.True(t, errors.Is(err, runtime.ErrNotFound), "got %v", err)
}

func TestRewriteImports(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"import numpy as np", `load("numpy", np="numpy")`},
		{"import numpy", `load("numpy", numpy="numpy")`},
		{"import sys  # streams", `load("sys", sys="sys")`},
		{"from numpy import zeros, ones as o", `load("numpy", "zeros", o="ones")`},
		{"from numpy import (exp)", `load("numpy", "exp")`},
		{"    import numpy", "    import numpy"},
		{"import numpy.linalg", "import numpy.linalg"},
		{"print('import numpy')", "print('import numpy')"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, rewriteImports(tt.in))
		})
	}
}

func TestRewriteImportsKeepsLineCount(t *testing.T) {
	src := "import numpy as np\n\nx = 1\nimport sys\n"
	assert.Equal(t, strings.Count(src, "\n"), strings.Count(rewriteImports(src), "\n"))
}
