package star

import (
	"testing"

	"github.com/caffeineduck/numplay/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumpy(t *testing.T) {
	tests := []struct {
		name string
		code string
		want []string
	}{
		{
			name: "int array",
			code: `a = np.array([1, 2, 3])
print(a, a.dtype, a.shape, a.ndim, a.size)`,
			want: []string{"[1 2 3] int64 (3,) 1 3"},
		},
		{
			name: "matrix",
			code: `print(np.array([[1, 2], [3, 4]]))`,
			want: []string{"[[1 2]", " [3 4]]"},
		},
		{
			name: "scalar arithmetic",
			code: `print(np.array([1, 2]) + 1, np.array([1, 2]) * 0.5, 1 / np.array([2, 4]), -np.array([1, 2]))`,
			want: []string{"[2 3] [0.5 1. ] [0.5  0.25] [-1 -2]"},
		},
		{
			name: "row broadcasting",
			code: `X = np.array([[1.0, 2.0], [3.0, 4.0]])
print((X - X.mean(axis=0)).tolist())`,
			want: []string{"[[-1.0, -1.0], [1.0, 1.0]]"},
		},
		{
			name: "reductions",
			code: `M = np.array([[1, 2], [3, 4]])
print(np.sum(M), np.sum(M, axis=1).tolist(), np.mean(np.array([1, 2, 3, 4])), np.std(np.array([1, 2, 3, 4])))`,
			want: []string{"10 [3, 7] 2.5 1.118033988749895"},
		},
		{
			name: "argmax",
			code: `print(np.argmax(np.array([1, 5, 2])), np.array([[1, 9], [8, 2]]).argmax(axis=1).tolist())`,
			want: []string{"1 [1, 0]"},
		},
		{
			name: "dot",
			code: `M = np.array([[1, 2], [3, 4]])
print(np.dot(M, np.array([1, 1])).tolist())
print(np.dot([1, 2, 3], [4, 5, 6]))
print(M.T.dot(np.array([1, 0])).tolist())
print(M.dot(np.array([[1, 0], [0, 1]])).tolist())`,
			want: []string{"[3, 7]", "32", "[1, 2]", "[[1, 2], [3, 4]]"},
		},
		{
			name: "where and comparisons",
			code: `p = np.array([0.2, 0.7, 0.5])
print(np.where(np.greater(p, 0.5), 1, 0))
print(np.equal(np.array([1, 2]), 1))
print(np.mean(np.equal(np.array([1, 0, 1, 1]), np.array([1, 1, 1, 1]))) * 100)`,
			want: []string{"[0 1 0]", "[ True False]", "75.0"},
		},
		{
			name: "ufuncs",
			code: `print(np.exp(0), np.log(1), np.sqrt(np.array([4, 9])), np.abs(np.array([-1, 2])))`,
			want: []string{"1.0 0.0 [2. 3.] [1 2]"},
		},
		{
			name: "constructors",
			code: `print(np.zeros((2, 3)).shape, np.ones(2), np.arange(4), np.arange(1, 2, 0.5), np.linspace(0, 1, 3))`,
			want: []string{"(2, 3) [1. 1.] [0 1 2 3] [1.  1.5] [0.  0.5 1. ]"},
		},
		{
			name: "clip round take",
			code: `print(np.clip(np.array([-1, 5, 2]), 0, 3), np.round(np.array([1.234, 2.5]), 1), np.take(np.array([10, 20, 30]), [2, 0]))`,
			want: []string{"[0 3 2] [1.2 2.5] [30 10]"},
		},
		{
			name: "column stack",
			code: `print(np.column_stack([np.array([1, 2]), np.array([3, 4])]).tolist())`,
			want: []string{"[[1, 3], [2, 4]]"},
		},
		{
			name: "indexing and slicing",
			code: `X = np.array([[1, 2], [3, 4], [5, 6]])
print(X[1], X[-1][0], X[1:].shape, X[::2].tolist())`,
			want: []string{"[3 4] 5 (2, 2) [[1, 2], [5, 6]]"},
		},
		{
			name: "iteration",
			code: `for row in np.array([[1, 2], [3, 4]]):
    print(row.sum())`,
			want: []string{"3", "7"},
		},
		{
			name: "reshape",
			code: `print(np.arange(6).reshape(2, 3).shape, np.arange(6).reshape((3, -1)).shape)`,
			want: []string{"(2, 3) (3, 2)"},
		},
		{
			name: "seeded random",
			code: `np.random.seed(42)
a = np.random.randn(3)
np.random.seed(42)
b = np.random.randn(3)
print(np.equal(a, b))
print(sorted(np.random.permutation(5).tolist()))
r = np.random.rand(100)
print(np.min(r) >= 0, np.max(r) < 1)`,
			want: []string{"[True True True]", "[0, 1, 2, 3, 4]", "True True"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, err := run(t, tt.code)
			require.NoError(t, err)
			assert.Equal(t, tt.want, lines)
		})
	}
}

func TestNumpyFaults(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"dot alignment", `np.dot(np.array([1, 2]), np.array([1, 2, 3]))`, "not aligned"},
		{"broadcast", `np.array([1, 2]) + np.array([1, 2, 3])`, "could not be broadcast"},
		{"array equality", `np.array([1]) == np.array([1])`, "np.equal"},
		{"ragged", `np.array([[1, 2], [3]])`, "inhomogeneous"},
		{"reshape", `np.arange(5).reshape(2, 3)`, "cannot reshape"},
		{"reshape two unknowns", `np.arange(4).reshape(-1, -1)`, "one unknown dimension"},
		{"reshape unknown of empty", `np.array([]).reshape(0, -1)`, "cannot reshape"},
		{"zeros negative", `np.zeros(-1)`, "negative dimensions"},
		{"ones negative", `np.ones(-2)`, "negative dimensions"},
		{"zeros negative column", `np.zeros((2, -1))`, "negative dimensions"},
		{"ones negative column", `np.ones((2, -1))`, "negative dimensions"},
		{"randn negative", `np.random.randn(-1)`, "negative dimensions"},
		{"normal negative size", `np.random.normal(0, 1, -1)`, "negative dimensions"},
		{"dot empty rows", `np.dot(np.array([[]]), np.array([[]]))`, "not aligned"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.code)
			fault, ok := runtime.AsFault(err)
			require.True(t, ok, "expected fault, got %v", err)
			assert.Contains(t, fault.Message, tt.want)
		})
	}
}

func TestNumpyEmptyArrays(t *testing.T) {
	lines, err := run(t, `e = np.array([[]])
print(e.shape, np.array([]).shape, np.dot(np.array([]), np.array([])), np.arange(6).reshape(-1, 2).shape)`)
	require.NoError(t, err)
	assert.Equal(t, []string{"(1, 0) (0,) 0.0 (3, 2)"}, lines)
}

func TestNumpyFloatAlignment(t *testing.T) {
	lines, err := run(t, `print(np.array([1.5, 2.0]))
print(np.array([0.4, -2.71]))
print(np.array([[1.0, 0.25], [-10.5, 3.0]]))`)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"[1.5 2. ]",
		"[ 0.4  -2.71]",
		"[[  1.     0.25]",
		" [-10.5    3.  ]]",
	}, lines)
}

func TestNumpyRandomStateIsPerInterpreter(t *testing.T) {
	a, ca := newInterp(t, runtime.DefaultConfig())
	b, cb := newInterp(t, runtime.DefaultConfig())

	require.NoError(t, a.Run(t.Context(), "np.random.seed(1)\nprint(np.random.rand())"))
	require.NoError(t, b.Run(t.Context(), "np.random.seed(1)\nprint(np.random.rand())"))
	require.NoError(t, a.Run(t.Context(), "print(np.random.rand())"))
	require.NoError(t, b.Run(t.Context(), "print(np.random.rand())"))

	assert.Equal(t, ca.all(), cb.all())
}
