package star

import (
	"fmt"
	"math"
	"slices"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

type builtinFunc = func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

// arrayFuncs are shared by the numpy module and the ndarray methods of the
// same name.
var arrayFuncs = map[string]builtinFunc{
	"dot":    dot,
	"sum":    reduction(sumOf, keepIntType),
	"mean":   reduction(meanOf, alwaysFloat),
	"std":    reduction(stdOf, alwaysFloat),
	"min":    reduction(minOf, keepType),
	"max":    reduction(maxOf, keepType),
	"argmax": reduction(argmaxOf, alwaysInt),
}

// newNumpy builds a fresh numpy module. Each interpreter owns its own
// instance so random state is never shared.
func newNumpy() *starlarkstruct.Module {
	members := starlark.StringDict{
		"array":         starlark.NewBuiltin("array", array),
		"zeros":         starlark.NewBuiltin("zeros", filled(0)),
		"ones":          starlark.NewBuiltin("ones", filled(1)),
		"arange":        starlark.NewBuiltin("arange", arange),
		"linspace":      starlark.NewBuiltin("linspace", linspace),
		"exp":           ufunc("exp", math.Exp),
		"log":           ufunc("log", math.Log),
		"sqrt":          ufunc("sqrt", math.Sqrt),
		"abs":           ufunc("abs", math.Abs),
		"where":         starlark.NewBuiltin("where", where),
		"equal":         comparison("equal", func(x, y float64) bool { return x == y }),
		"not_equal":     comparison("not_equal", func(x, y float64) bool { return x != y }),
		"greater":       comparison("greater", func(x, y float64) bool { return x > y }),
		"greater_equal": comparison("greater_equal", func(x, y float64) bool { return x >= y }),
		"less":          comparison("less", func(x, y float64) bool { return x < y }),
		"less_equal":    comparison("less_equal", func(x, y float64) bool { return x <= y }),
		"power":         binaryFunc("power", math.Pow),
		"maximum":       binaryFunc("maximum", math.Max),
		"minimum":       binaryFunc("minimum", math.Min),
		"clip":          starlark.NewBuiltin("clip", clip),
		"round":         starlark.NewBuiltin("round", round),
		"take":          starlark.NewBuiltin("take", take),
		"column_stack":  starlark.NewBuiltin("column_stack", columnStack),
		"transpose":     starlark.NewBuiltin("transpose", transpose),
		"pi":            starlark.Float(math.Pi),
		"e":             starlark.Float(math.E),
		"random":        newRandom(),
	}
	for name, fn := range arrayFuncs {
		members[name] = starlark.NewBuiltin(name, fn)
	}
	return &starlarkstruct.Module{Name: "numpy", Members: members}
}

func transpose(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	a, err := unpackArray(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	return result(a.transpose()), nil
}

func toFloat(v starlark.Value) (float64, bool) {
	switch v := v.(type) {
	case starlark.Float:
		return float64(v), true
	case starlark.Int:
		return float64(v.Float()), true
	case starlark.Bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func scalarType(v starlark.Value) dtype {
	switch v.(type) {
	case starlark.Int:
		return int64Type
	case starlark.Bool:
		return boolType
	}
	return float64Type
}

// asArray converts an array, a number or a (nested) list or tuple of
// numbers. Numbers become zero-dimensional operands.
func asArray(v starlark.Value) (*ndarray, error) {
	if a, ok := v.(*ndarray); ok {
		return a, nil
	}
	if f, ok := toFloat(v); ok {
		return scalarArray(f, scalarType(v)), nil
	}
	seq, ok := v.(starlark.Indexable)
	if !ok || v.Type() == "string" {
		return nil, fmt.Errorf("cannot convert %s to ndarray", v.Type())
	}
	return fromSequence(seq)
}

func fromSequence(seq starlark.Indexable) (*ndarray, error) {
	n := seq.Len()
	if n == 0 {
		return &ndarray{data: []float64{}, shape: []int{0}}, nil
	}
	types := make([]dtype, 0, n)
	var data []float64
	sawNumber, sawRow := false, false
	cols := 0
	for i := range n {
		item := seq.Index(i)
		if f, ok := toFloat(item); ok {
			if sawRow {
				return nil, fmt.Errorf("inhomogeneous array: mixed rows and numbers")
			}
			sawNumber = true
			data = append(data, f)
			types = append(types, scalarType(item))
			continue
		}
		row, ok := item.(starlark.Indexable)
		if !ok || item.Type() == "string" {
			return nil, fmt.Errorf("cannot convert %s to ndarray element", item.Type())
		}
		if sawNumber || (sawRow && row.Len() != cols) {
			return nil, fmt.Errorf("inhomogeneous array: rows must have equal length")
		}
		sawRow = true
		cols = row.Len()
		for j := range cols {
			f, ok := toFloat(row.Index(j))
			if !ok {
				return nil, fmt.Errorf("cannot convert %s to ndarray element", row.Index(j).Type())
			}
			data = append(data, f)
			types = append(types, scalarType(row.Index(j)))
		}
	}
	shape := []int{n}
	if sawRow {
		shape = []int{n, cols}
	}
	if len(types) == 0 {
		return &ndarray{data: []float64{}, shape: shape}, nil
	}
	dt := boolType
	for _, t := range types {
		switch {
		case t == float64Type:
			dt = float64Type
		case t == int64Type && dt == boolType:
			dt = int64Type
		}
	}
	return &ndarray{data: data, shape: shape, dtype: dt}, nil
}

// toShape accepts an int or a sequence of ints. With allowUnknown one
// dimension may be -1, to be inferred by the caller.
func toShape(v starlark.Value, allowUnknown bool) ([]int, error) {
	var shape []int
	if _, ok := v.(starlark.Int); ok {
		d, err := starlark.AsInt32(v)
		if err != nil {
			return nil, err
		}
		shape = []int{d}
	} else {
		seq, ok := v.(starlark.Indexable)
		if !ok {
			return nil, fmt.Errorf("shape must be an int or a tuple of ints, got %s", v.Type())
		}
		shape = make([]int, seq.Len())
		for i := range shape {
			d, err := starlark.AsInt32(seq.Index(i))
			if err != nil {
				return nil, fmt.Errorf("shape: %w", err)
			}
			shape[i] = d
		}
	}
	return checkShape(shape, allowUnknown)
}

func checkShape(shape []int, allowUnknown bool) ([]int, error) {
	if len(shape) == 0 || len(shape) > 2 {
		return nil, fmt.Errorf("only 1-D and 2-D arrays are supported, got %d dimensions", len(shape))
	}
	for _, d := range shape {
		if d < 0 && !(allowUnknown && d == -1) {
			return nil, fmt.Errorf("negative dimensions are not allowed")
		}
	}
	return shape, nil
}

func unpackArray(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (*ndarray, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
		return nil, err
	}
	a, err := asArray(x)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return a, nil
}

// result unwraps zero-dimensional arrays back into scalars.
func result(a *ndarray) starlark.Value {
	if a.ndim() == 0 && len(a.data) == 1 {
		return a.scalar(a.data[0])
	}
	return a
}

func array(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var obj starlark.Value
	var dt string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "object", &obj, "dtype?", &dt); err != nil {
		return nil, err
	}
	a, err := asArray(obj)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if a.ndim() == 0 {
		return nil, fmt.Errorf("%s: zero-dimensional arrays are not supported", b.Name())
	}
	a = a.copy()
	switch dt {
	case "":
	case "float", "float64":
		a.dtype = float64Type
	case "int", "int64":
		a.dtype = int64Type
		for i, v := range a.data {
			a.data[i] = math.Trunc(v)
		}
	case "bool":
		a.dtype = boolType
		for i, v := range a.data {
			if v != 0 {
				a.data[i] = 1
			}
		}
	default:
		return nil, fmt.Errorf("%s: unsupported dtype %q", b.Name(), dt)
	}
	return a, nil
}

func filled(v float64) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var shapeArg starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "shape", &shapeArg); err != nil {
			return nil, err
		}
		shape, err := toShape(shapeArg, false)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		a := newArray(shape, float64Type)
		for i := range a.data {
			a.data[i] = v
		}
		return a, nil
	}
}

func arange(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var start, stop, step starlark.Value = starlark.MakeInt(0), nil, starlark.MakeInt(1)
	switch len(args) {
	case 1:
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &stop); err != nil {
			return nil, err
		}
	default:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "start", &start, "stop", &stop, "step?", &step); err != nil {
			return nil, err
		}
	}
	lo, ok1 := toFloat(start)
	hi, ok2 := toFloat(stop)
	st, ok3 := toFloat(step)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("%s: arguments must be numbers", b.Name())
	}
	if st == 0 {
		return nil, fmt.Errorf("%s: step must not be zero", b.Name())
	}
	n := max(int(math.Ceil((hi-lo)/st)), 0)
	dt := float64Type
	if scalarType(start) == int64Type && scalarType(stop) == int64Type && scalarType(step) == int64Type {
		dt = int64Type
	}
	a := newArray([]int{n}, dt)
	for i := range a.data {
		a.data[i] = lo + float64(i)*st
	}
	return a, nil
}

func linspace(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var start, stop starlark.Value
	num := 50
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "start", &start, "stop", &stop, "num?", &num); err != nil {
		return nil, err
	}
	lo, ok1 := toFloat(start)
	hi, ok2 := toFloat(stop)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%s: start and stop must be numbers", b.Name())
	}
	if num < 0 {
		return nil, fmt.Errorf("%s: number of samples must be non-negative", b.Name())
	}
	a := newArray([]int{num}, float64Type)
	for i := range a.data {
		if num == 1 {
			a.data[i] = lo
			continue
		}
		a.data[i] = lo + (hi-lo)*float64(i)/float64(num-1)
	}
	return a, nil
}

// ufunc lifts fn to scalars and arrays.
func ufunc(name string, fn func(float64) float64) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		a, err := unpackArray(b, args, kwargs)
		if err != nil {
			return nil, err
		}
		out := newArray(a.shape, float64Type)
		for i, v := range a.data {
			out.data[i] = fn(v)
		}
		if name == "abs" && a.dtype == int64Type {
			out.dtype = int64Type
		}
		return result(out), nil
	})
}

func binaryFunc(name string, fn func(x, y float64) float64) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		x, y, err := unpackPair(b, args, kwargs)
		if err != nil {
			return nil, err
		}
		dt := float64Type
		if x.dtype != float64Type && y.dtype != float64Type && name != "power" {
			dt = int64Type
		}
		out, err := broadcast(x, y, dt, fn)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return result(out), nil
	})
}

func comparison(name string, fn func(x, y float64) bool) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		x, y, err := unpackPair(b, args, kwargs)
		if err != nil {
			return nil, err
		}
		out, err := broadcast(x, y, boolType, func(x, y float64) float64 {
			if fn(x, y) {
				return 1
			}
			return 0
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return result(out), nil
	})
}

func unpackPair(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (*ndarray, *ndarray, error) {
	var xv, yv starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &xv, &yv); err != nil {
		return nil, nil, err
	}
	x, err := asArray(xv)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	y, err := asArray(yv)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return x, y, nil
}

func where(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var cv, xv, yv starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 3, &cv, &xv, &yv); err != nil {
		return nil, err
	}
	var operands [3]*ndarray
	for i, v := range []starlark.Value{cv, xv, yv} {
		a, err := asArray(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		operands[i] = a
	}
	cond, x, y := operands[0], operands[1], operands[2]
	shape, err := broadcastShape(cond.shape, x.shape)
	if err == nil {
		shape, err = broadcastShape(shape, y.shape)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	dt := float64Type
	if x.dtype != float64Type && y.dtype != float64Type {
		dt = int64Type
	}
	out := newArray(shape, dt)
	for i := range out.data {
		if cond.at(shape, i) != 0 {
			out.data[i] = x.at(shape, i)
		} else {
			out.data[i] = y.at(shape, i)
		}
	}
	return result(out), nil
}

func clip(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var av, lov, hiv starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 3, &av, &lov, &hiv); err != nil {
		return nil, err
	}
	a, err := asArray(av)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	lo, ok1 := toFloat(lov)
	hi, ok2 := toFloat(hiv)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%s: bounds must be numbers", b.Name())
	}
	out := a.copy()
	if out.dtype == boolType || scalarType(lov) == float64Type || scalarType(hiv) == float64Type {
		out.dtype = float64Type
	}
	for i, v := range out.data {
		out.data[i] = min(max(v, lo), hi)
	}
	return result(out), nil
}

func round(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var av starlark.Value
	decimals := 0
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "a", &av, "decimals?", &decimals); err != nil {
		return nil, err
	}
	a, err := asArray(av)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	scale := math.Pow(10, float64(decimals))
	out := a.copy()
	for i, v := range out.data {
		out.data[i] = math.RoundToEven(v*scale) / scale
	}
	return result(out), nil
}

func take(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var av, iv starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "a", &av, "indices", &iv); err != nil {
		return nil, err
	}
	a, err := asArray(av)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	indices, err := asArray(iv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if a.ndim() == 0 {
		return nil, fmt.Errorf("%s: cannot index a scalar", b.Name())
	}
	idx := make([]int, len(indices.data))
	for i, v := range indices.data {
		j := int(v)
		if j < 0 {
			j += a.Len()
		}
		if j < 0 || j >= a.Len() {
			return nil, fmt.Errorf("%s: index %d is out of bounds for axis 0 with size %d", b.Name(), int(v), a.Len())
		}
		idx[i] = j
	}
	return a.takeRows(idx), nil
}

func columnStack(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var tup starlark.Indexable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &tup); err != nil {
		return nil, err
	}
	var columns []*ndarray
	for i := range tup.Len() {
		c, err := asArray(tup.Index(i))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		if c.ndim() == 2 {
			for j := range c.cols() {
				col := newArray([]int{c.shape[0]}, c.dtype)
				for r := range c.shape[0] {
					col.data[r] = c.data[r*c.cols()+j]
				}
				columns = append(columns, col)
			}
			continue
		}
		if c.ndim() != 1 {
			return nil, fmt.Errorf("%s: expected arrays", b.Name())
		}
		columns = append(columns, c)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%s: need at least one array", b.Name())
	}
	m := columns[0].shape[0]
	dt := columns[0].dtype
	for _, c := range columns {
		if c.shape[0] != m {
			return nil, fmt.Errorf("%s: all input arrays must have the same first dimension", b.Name())
		}
		if c.dtype == float64Type {
			dt = float64Type
		}
	}
	out := newArray([]int{m, len(columns)}, dt)
	for j, c := range columns {
		for i := range m {
			out.data[i*len(columns)+j] = c.data[i]
		}
	}
	return out, nil
}

func dot(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	x, y, err := unpackPair(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	dt := float64Type
	if x.dtype != float64Type && y.dtype != float64Type {
		dt = int64Type
	}
	if x.ndim() == 0 || y.ndim() == 0 {
		out, err := broadcast(x, y, dt, func(x, y float64) float64 { return x * y })
		if err != nil {
			return nil, err
		}
		return result(out), nil
	}

	// Treat a 1-D left operand as a row and a 1-D right operand as a column.
	m, k := 1, x.shape[0]
	if x.ndim() == 2 {
		m, k = x.shape[0], x.shape[1]
	}
	k2, n := y.shape[0], 1
	if y.ndim() == 2 {
		n = y.shape[1]
	}
	if k != k2 {
		return nil, fmt.Errorf("%s: shapes %s and %s not aligned", b.Name(), shapeString(x.shape), shapeString(y.shape))
	}
	data := make([]float64, m*n)
	for i := range m {
		for j := range n {
			var s float64
			for p := range k {
				s += x.data[i*k+p] * y.data[p*n+j]
			}
			data[i*n+j] = s
		}
	}

	var shape []int
	switch {
	case x.ndim() == 2 && y.ndim() == 2:
		shape = []int{m, n}
	case x.ndim() == 2:
		shape = []int{m}
	case y.ndim() == 2:
		shape = []int{n}
	default:
		shape = []int{}
	}
	return result(&ndarray{data: data, shape: shape, dtype: dt}), nil
}

type reducer func([]float64) float64

type typeRule func(dtype) dtype

func keepIntType(d dtype) dtype {
	if d == float64Type {
		return float64Type
	}
	return int64Type
}

func keepType(d dtype) dtype  { return d }
func alwaysFloat(dtype) dtype { return float64Type }
func alwaysInt(dtype) dtype   { return int64Type }

// reduction applies fn over all elements, or along axis 0 (columns) or
// axis 1 (rows) of a 2-D array.
func reduction(fn reducer, rule typeRule) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var av starlark.Value
		var axis starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "a", &av, "axis?", &axis); err != nil {
			return nil, err
		}
		a, err := asArray(av)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		dt := rule(a.dtype)
		if len(a.data) == 0 && b.Name() != "sum" {
			return nil, fmt.Errorf("%s: zero-size array has no %s", b.Name(), b.Name())
		}
		if axis == starlark.None || a.ndim() < 2 {
			if axis != starlark.None {
				if ax, err := starlark.AsInt32(axis); err != nil || (ax != 0 && ax != -1) {
					return nil, fmt.Errorf("%s: axis %s is out of bounds for array of dimension %d", b.Name(), axis, a.ndim())
				}
			}
			v := fn(a.data)
			return scalarArray(v, dt).scalar(v), nil
		}
		ax, err := starlark.AsInt32(axis)
		if err != nil {
			return nil, fmt.Errorf("%s: axis: %w", b.Name(), err)
		}
		if ax < 0 {
			ax += 2
		}
		m, n := a.shape[0], a.shape[1]
		switch ax {
		case 0:
			out := newArray([]int{n}, dt)
			col := make([]float64, m)
			for j := range n {
				for i := range m {
					col[i] = a.data[i*n+j]
				}
				out.data[j] = fn(col)
			}
			return out, nil
		case 1:
			out := newArray([]int{m}, dt)
			for i := range m {
				out.data[i] = fn(a.data[i*n : (i+1)*n])
			}
			return out, nil
		}
		return nil, fmt.Errorf("%s: axis %d is out of bounds for array of dimension 2", b.Name(), ax)
	}
}

func sumOf(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

func meanOf(xs []float64) float64 {
	return sumOf(xs) / float64(len(xs))
}

func stdOf(xs []float64) float64 {
	mu := meanOf(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - mu) * (x - mu)
	}
	return math.Sqrt(ss / float64(len(xs)))
}

func minOf(xs []float64) float64 { return slices.Min(xs) }
func maxOf(xs []float64) float64 { return slices.Max(xs) }

func argmaxOf(xs []float64) float64 {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return float64(best)
}
