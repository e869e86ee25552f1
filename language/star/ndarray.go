package star

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// dtype tracks how elements print and what scalars indexing yields.
// Storage is always float64.
type dtype uint8

const (
	float64Type dtype = iota
	int64Type
	boolType
)

func (d dtype) String() string {
	switch d {
	case int64Type:
		return "int64"
	case boolType:
		return "bool"
	default:
		return "float64"
	}
}

// ndarray is a row-major 1-D or 2-D array. A zero-length shape is used
// internally for scalar operands and never escapes to user code.
type ndarray struct {
	data  []float64
	shape []int
	dtype dtype
}

var (
	_ starlark.HasAttrs   = (*ndarray)(nil)
	_ starlark.HasBinary  = (*ndarray)(nil)
	_ starlark.HasUnary   = (*ndarray)(nil)
	_ starlark.Sliceable  = (*ndarray)(nil)
	_ starlark.Iterable   = (*ndarray)(nil)
	_ starlark.Comparable = (*ndarray)(nil)
)

func newArray(shape []int, dt dtype) *ndarray {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &ndarray{data: make([]float64, n), shape: slices.Clone(shape), dtype: dt}
}

func scalarArray(v float64, dt dtype) *ndarray {
	return &ndarray{data: []float64{v}, shape: []int{}, dtype: dt}
}

func (a *ndarray) ndim() int { return len(a.shape) }

func (a *ndarray) cols() int {
	if a.ndim() == 2 {
		return a.shape[1]
	}
	return 1
}

func (a *ndarray) String() string {
	if a.ndim() == 0 {
		return formatElem(a.data[0], a.dtype)
	}
	elems := make([]string, len(a.data))
	for i, v := range a.data {
		elems[i] = formatElem(v, a.dtype)
	}
	if a.dtype == float64Type {
		alignPoints(elems)
	} else {
		alignRight(elems)
	}
	if a.ndim() == 1 {
		return "[" + strings.Join(elems, " ") + "]"
	}
	n := a.cols()
	rows := make([]string, a.shape[0])
	for r := range rows {
		rows[r] = "[" + strings.Join(elems[r*n:(r+1)*n], " ") + "]"
	}
	return "[" + strings.Join(rows, "\n ") + "]"
}

func alignRight(elems []string) {
	width := 0
	for _, s := range elems {
		width = max(width, len(s))
	}
	for i, s := range elems {
		elems[i] = strings.Repeat(" ", width-len(s)) + s
	}
}

// alignPoints pads floats so their decimal points line up: the integer
// part on the left, the fraction on the right. nan and inf fill the
// whole column, right-aligned.
func alignPoints(elems []string) {
	intW, fracW := 0, 0
	for _, s := range elems {
		if i, f, ok := strings.Cut(s, "."); ok {
			intW = max(intW, len(i))
			fracW = max(fracW, len(f)+1)
		}
	}
	for _, s := range elems {
		if _, _, ok := strings.Cut(s, "."); !ok {
			intW = max(intW, len(s)-fracW)
		}
	}
	for i, s := range elems {
		in, frac, ok := strings.Cut(s, ".")
		if !ok {
			elems[i] = strings.Repeat(" ", intW+fracW-len(s)) + s
			continue
		}
		elems[i] = strings.Repeat(" ", intW-len(in)) + in + "." + frac + strings.Repeat(" ", fracW-len(frac)-1)
	}
}

func formatElem(v float64, dt dtype) string {
	switch dt {
	case boolType:
		if v != 0 {
			return "True"
		}
		return "False"
	case int64Type:
		return strconv.FormatInt(int64(v), 10)
	}
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strings.TrimRight(strconv.FormatFloat(v, 'f', 8, 64), "0")
}

func (a *ndarray) Type() string { return "ndarray" }

// Freeze is a no-op: arrays have no mutating operations.
func (a *ndarray) Freeze() {}

func (a *ndarray) Truth() starlark.Bool {
	if len(a.data) == 1 {
		return a.data[0] != 0
	}
	return len(a.data) > 0
}

func (a *ndarray) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable type: ndarray")
}

func (a *ndarray) CompareSameType(op syntax.Token, y starlark.Value, depth int) (bool, error) {
	return false, fmt.Errorf("ndarray %s ndarray is ambiguous; use np.equal, np.greater or np.less for element-wise comparison", op)
}

func (a *ndarray) Len() int { return a.shape[0] }

func (a *ndarray) Index(i int) starlark.Value {
	if a.ndim() == 1 {
		return a.scalar(a.data[i])
	}
	n := a.cols()
	return &ndarray{data: slices.Clone(a.data[i*n : (i+1)*n]), shape: []int{n}, dtype: a.dtype}
}

func (a *ndarray) Slice(start, end, step int) starlark.Value {
	var idx []int
	if step > 0 {
		for i := start; i < end; i += step {
			idx = append(idx, i)
		}
	} else {
		for i := start; i > end; i += step {
			idx = append(idx, i)
		}
	}
	return a.takeRows(idx)
}

// takeRows selects along the first axis.
func (a *ndarray) takeRows(idx []int) *ndarray {
	n := a.cols()
	shape := slices.Clone(a.shape)
	shape[0] = len(idx)
	out := &ndarray{data: make([]float64, 0, len(idx)*n), shape: shape, dtype: a.dtype}
	for _, i := range idx {
		out.data = append(out.data, a.data[i*n:(i+1)*n]...)
	}
	return out
}

func (a *ndarray) Iterate() starlark.Iterator {
	return &arrayIterator{a: a}
}

type arrayIterator struct {
	a *ndarray
	i int
}

func (it *arrayIterator) Next(p *starlark.Value) bool {
	if it.i >= it.a.Len() {
		return false
	}
	*p = it.a.Index(it.i)
	it.i++
	return true
}

func (it *arrayIterator) Done() {}

// scalar converts one element to the Starlark value matching the dtype.
func (a *ndarray) scalar(v float64) starlark.Value {
	switch a.dtype {
	case int64Type:
		return starlark.MakeInt64(int64(v))
	case boolType:
		return starlark.Bool(v != 0)
	default:
		return starlark.Float(v)
	}
}

func (a *ndarray) transpose() *ndarray {
	if a.ndim() < 2 {
		return a.copy()
	}
	m, n := a.shape[0], a.shape[1]
	out := newArray([]int{n, m}, a.dtype)
	for i := range m {
		for j := range n {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}
	return out
}

func (a *ndarray) copy() *ndarray {
	return &ndarray{data: slices.Clone(a.data), shape: slices.Clone(a.shape), dtype: a.dtype}
}

func (a *ndarray) tolist() starlark.Value {
	if a.ndim() == 1 {
		elems := make([]starlark.Value, len(a.data))
		for i, v := range a.data {
			elems[i] = a.scalar(v)
		}
		return starlark.NewList(elems)
	}
	rows := make([]starlark.Value, a.shape[0])
	for i := range rows {
		rows[i] = a.Index(i).(*ndarray).tolist()
	}
	return starlark.NewList(rows)
}

var arrayAttrNames = []string{
	"T", "argmax", "copy", "dot", "dtype", "flatten", "max", "mean", "min",
	"ndim", "reshape", "shape", "size", "std", "sum", "tolist",
}

func (a *ndarray) AttrNames() []string { return arrayAttrNames }

func (a *ndarray) Attr(name string) (starlark.Value, error) {
	switch name {
	case "shape":
		dims := make(starlark.Tuple, len(a.shape))
		for i, d := range a.shape {
			dims[i] = starlark.MakeInt(d)
		}
		return dims, nil
	case "ndim":
		return starlark.MakeInt(a.ndim()), nil
	case "size":
		return starlark.MakeInt(len(a.data)), nil
	case "dtype":
		return starlark.String(a.dtype.String()), nil
	case "T":
		return a.transpose(), nil
	case "tolist":
		return method(a, name, func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
			return a.tolist(), nil
		}), nil
	case "copy", "flatten":
		return method(a, name, func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
			out := a.copy()
			if name == "flatten" {
				out.shape = []int{len(out.data)}
			}
			return out, nil
		}), nil
	case "reshape":
		return method(a, name, a.reshape), nil
	case "dot", "sum", "mean", "std", "min", "max", "argmax":
		fn := arrayFuncs[name]
		return method(a, name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return fn(thread, b, append(starlark.Tuple{a}, args...), kwargs)
		}), nil
	}
	return nil, nil
}

func method(a *ndarray, name string, fn func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)) *starlark.Builtin {
	return starlark.NewBuiltin(name, fn).BindReceiver(a)
}

func (a *ndarray) reshape(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	var dimArgs starlark.Value = args
	if len(args) == 1 {
		dimArgs = args[0]
	}
	shape, err := toShape(dimArgs, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	free := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if free >= 0 {
				return nil, fmt.Errorf("%s: can only specify one unknown dimension", b.Name())
			}
			free = i
			continue
		}
		known *= d
	}
	if free >= 0 {
		if known == 0 {
			return nil, fmt.Errorf("%s: cannot reshape array of size %d into shape %v", b.Name(), len(a.data), shape)
		}
		shape[free] = len(a.data) / known
		known *= shape[free]
	}
	if known != len(a.data) {
		return nil, fmt.Errorf("%s: cannot reshape array of size %d into shape %v", b.Name(), len(a.data), shape)
	}
	out := a.copy()
	out.shape = shape
	return out, nil
}

func (a *ndarray) Binary(op syntax.Token, y starlark.Value, side starlark.Side) (starlark.Value, error) {
	switch op {
	case syntax.PLUS, syntax.MINUS, syntax.STAR, syntax.SLASH:
	default:
		return nil, nil
	}
	other, err := asArray(y)
	if err != nil {
		return nil, nil
	}
	x, z := a, other
	if side == starlark.Right {
		x, z = other, a
	}
	return broadcast(x, z, arithmeticType(op, x.dtype, z.dtype), arithmetic(op))
}

func (a *ndarray) Unary(op syntax.Token) (starlark.Value, error) {
	switch op {
	case syntax.MINUS:
		out := a.copy()
		for i, v := range out.data {
			out.data[i] = -v
		}
		if out.dtype == boolType {
			out.dtype = int64Type
		}
		return out, nil
	case syntax.PLUS:
		return a.copy(), nil
	}
	return nil, nil
}

func arithmetic(op syntax.Token) func(x, y float64) float64 {
	switch op {
	case syntax.PLUS:
		return func(x, y float64) float64 { return x + y }
	case syntax.MINUS:
		return func(x, y float64) float64 { return x - y }
	case syntax.STAR:
		return func(x, y float64) float64 { return x * y }
	default:
		return func(x, y float64) float64 { return x / y }
	}
}

func arithmeticType(op syntax.Token, x, y dtype) dtype {
	if op == syntax.SLASH || x == float64Type || y == float64Type {
		return float64Type
	}
	return int64Type
}

// broadcast applies fn element-wise after aligning shapes from the right.
func broadcast(x, y *ndarray, dt dtype, fn func(x, y float64) float64) (*ndarray, error) {
	shape, err := broadcastShape(x.shape, y.shape)
	if err != nil {
		return nil, err
	}
	out := newArray(shape, dt)
	for i := range out.data {
		out.data[i] = fn(x.at(shape, i), y.at(shape, i))
	}
	return out, nil
}

func broadcastShape(a, b []int) ([]int, error) {
	n := max(len(a), len(b))
	shape := make([]int, n)
	for i := 1; i <= n; i++ {
		da, db := 1, 1
		if i <= len(a) {
			da = a[len(a)-i]
		}
		if i <= len(b) {
			db = b[len(b)-i]
		}
		switch {
		case da == db, db == 1:
			shape[n-i] = da
		case da == 1:
			shape[n-i] = db
		default:
			return nil, fmt.Errorf("operands could not be broadcast together with shapes %s %s", shapeString(a), shapeString(b))
		}
	}
	return shape, nil
}

// at returns the element of a that lines up with flat index i of shape.
func (a *ndarray) at(shape []int, flat int) float64 {
	off, stride := 0, 1
	for d := len(shape) - 1; d >= 0; d-- {
		c := flat % shape[d]
		flat /= shape[d]
		ad := d - (len(shape) - len(a.shape))
		if ad < 0 {
			break
		}
		if a.shape[ad] != 1 {
			off += c * stride
		}
		stride *= a.shape[ad]
	}
	return a.data[off]
}

func shapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ",") + ")"
}
