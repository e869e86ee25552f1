package python

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/caffeineduck/numplay/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// emptyStart exports a _start that returns immediately.
var emptyStart = concat(wasmHeader,
	[]byte{0x01, 0x04, 0x01, 0x60, 0x00, 0x00},
	[]byte{0x03, 0x02, 0x01, 0x00},
	[]byte{0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00},
	[]byte{0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b},
)

// trapStart exports a _start that hits unreachable.
var trapStart = concat(wasmHeader,
	[]byte{0x01, 0x04, 0x01, 0x60, 0x00, 0x00},
	[]byte{0x03, 0x02, 0x01, 0x00},
	[]byte{0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00},
	[]byte{0x0a, 0x05, 0x01, 0x03, 0x00, 0x00, 0x0b},
)

// exitStart calls proc_exit(code).
func exitStart(code byte) []byte {
	imp := append([]byte{0x01, 0x16}, "wasi_snapshot_preview1"...)
	imp = append(imp, 0x09)
	imp = append(imp, "proc_exit"...)
	imp = append(imp, 0x00, 0x00)
	return concat(wasmHeader,
		[]byte{0x01, 0x08, 0x02, 0x60, 0x01, 0x7f, 0x00, 0x60, 0x00, 0x00},
		append([]byte{0x02, byte(len(imp))}, imp...),
		[]byte{0x03, 0x02, 0x01, 0x01},
		[]byte{0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x01},
		[]byte{0x0a, 0x08, 0x01, 0x06, 0x00, 0x41, code, 0x10, 0x00, 0x0b},
	)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func writeIndex(t *testing.T, module []byte, packages map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultModule), module, 0o644))
	if len(packages) > 0 {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, packagesDir), 0o755))
	}
	for name, src := range packages {
		require.NoError(t, os.WriteFile(filepath.Join(dir, packagesDir, name+".py"), []byte(src), 0o644))
	}
	return dir
}

func create(t *testing.T, index string) runtime.Interpreter {
	t.Helper()
	ctx := context.Background()
	interp, err := New().CreateInterpreter(ctx, runtime.Config{IndexURL: index})
	require.NoError(t, err)
	t.Cleanup(func() { interp.Close(ctx) })
	return interp
}

func TestCreateRequiresIndex(t *testing.T) {
	_, err := New().CreateInterpreter(context.Background(), runtime.Config{})
	assert.ErrorIs(t, err, ErrIndexRequired)
}

func TestCreateMissingModule(t *testing.T) {
	_, err := New().CreateInterpreter(context.Background(), runtime.Config{IndexURL: t.TempDir()})
	assert.ErrorIs(t, err, runtime.ErrNotFound)
}

func TestCreateInvalidModule(t *testing.T) {
	index := writeIndex(t, []byte("not wasm"), nil)
	_, err := New().CreateInterpreter(context.Background(), runtime.Config{IndexURL: index})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile python.wasm")
}

func TestCreateOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/index/python.wasm" {
			http.NotFound(w, r)
			return
		}
		w.Write(emptyStart)
	}))
	defer srv.Close()

	interp := create(t, srv.URL+"/index")
	assert.NoError(t, interp.Run(context.Background(), `print("hi")`))
	assert.ErrorIs(t, interp.LoadPackage(context.Background(), "numpy"), runtime.ErrUnknownPackage)
}

func TestRunExitCodes(t *testing.T) {
	ok := create(t, writeIndex(t, exitStart(0), nil))
	assert.NoError(t, ok.Run(context.Background(), "pass"))

	failing := create(t, writeIndex(t, exitStart(3), nil))
	err := failing.Run(context.Background(), "raise SystemExit(3)")
	fault, isFault := runtime.AsFault(err)
	require.True(t, isFault, "expected fault, got %v", err)
	assert.Equal(t, "exited with code 3", fault.Message)
}

func TestRunTrapIsNotFault(t *testing.T) {
	interp := create(t, writeIndex(t, trapStart, nil))
	err := interp.Run(context.Background(), "pass")
	require.Error(t, err)
	_, isFault := runtime.AsFault(err)
	assert.False(t, isFault)
	assert.Contains(t, err.Error(), "execution failed")
}

func TestRunAfterClose(t *testing.T) {
	interp := create(t, writeIndex(t, emptyStart, nil))
	require.NoError(t, interp.Close(context.Background()))
	assert.ErrorIs(t, interp.Run(context.Background(), "pass"), runtime.ErrClosed)
	assert.NoError(t, interp.Close(context.Background()))
}

func TestLoadPackage(t *testing.T) {
	index := writeIndex(t, emptyStart, map[string]string{"numpy": "def zeros(n):\n    return [0.0] * n\n"})
	interp := create(t, index).(*Interpreter)

	require.NoError(t, interp.LoadPackage(context.Background(), "numpy"))
	require.NoError(t, interp.LoadPackage(context.Background(), "numpy"))
	assert.Len(t, interp.packages, 1)

	assert.ErrorIs(t, interp.LoadPackage(context.Background(), "pandas"), runtime.ErrUnknownPackage)
	assert.ErrorIs(t, interp.LoadPackage(context.Background(), "../numpy"), runtime.ErrUnknownPackage)
}

func TestBootstrap(t *testing.T) {
	code := "import numpy as np\nprint(np.zeros(2))\n"
	script := bootstrap([]pkg{{name: "numpy", source: []byte("X = 1\n")}}, code)

	assert.Contains(t, script, `_types.ModuleType("numpy")`)
	assert.Contains(t, script, `_sys.modules["numpy"] = _m`)
	assert.Contains(t, script, base64.StdEncoding.EncodeToString([]byte(code)))
	assert.Contains(t, script, "'<playground>'")
	assert.Less(t, strings.Index(script, "numpy.py"), strings.Index(script, "<playground>"))
}
