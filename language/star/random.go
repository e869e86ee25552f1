package star

import (
	"fmt"
	"math/rand/v2"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

type randomState struct {
	rng *rand.Rand
}

func newRandom() *starlarkstruct.Module {
	r := &randomState{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
	return &starlarkstruct.Module{
		Name: "numpy.random",
		Members: starlark.StringDict{
			"seed":        starlark.NewBuiltin("seed", r.seed),
			"rand":        starlark.NewBuiltin("rand", r.sample(func(r *rand.Rand) float64 { return r.Float64() })),
			"randn":       starlark.NewBuiltin("randn", r.sample(func(r *rand.Rand) float64 { return r.NormFloat64() })),
			"normal":      starlark.NewBuiltin("normal", r.normal),
			"permutation": starlark.NewBuiltin("permutation", r.permutation),
		},
	}
}

func (r *randomState) seed(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var seed int64
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &seed); err != nil {
		return nil, err
	}
	r.rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	return starlark.None, nil
}

// sample returns a generator taking the dimensions as positional ints:
// rand() is a scalar, rand(n) a vector and rand(m, n) a matrix.
func (r *randomState) sample(draw func(*rand.Rand) float64) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
		}
		if len(args) == 0 {
			return starlark.Float(draw(r.rng)), nil
		}
		shape, err := toShape(args, false)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		a := newArray(shape, float64Type)
		for i := range a.data {
			a.data[i] = draw(r.rng)
		}
		return a, nil
	}
}

func (r *randomState) normal(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var locv, scalev starlark.Value = starlark.Float(0), starlark.Float(1)
	var size starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "loc?", &locv, "scale?", &scalev, "size?", &size); err != nil {
		return nil, err
	}
	loc, ok1 := toFloat(locv)
	scale, ok2 := toFloat(scalev)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%s: loc and scale must be numbers", b.Name())
	}
	if scale < 0 {
		return nil, fmt.Errorf("%s: scale must be non-negative", b.Name())
	}
	if size == starlark.None {
		return starlark.Float(loc + scale*r.rng.NormFloat64()), nil
	}
	shape, err := toShape(size, false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	a := newArray(shape, float64Type)
	for i := range a.data {
		a.data[i] = loc + scale*r.rng.NormFloat64()
	}
	return a, nil
}

func (r *randomState) permutation(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
		return nil, err
	}
	if _, ok := x.(starlark.Int); ok {
		n, err := starlark.AsInt32(x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		if n < 0 {
			return nil, fmt.Errorf("%s: negative length", b.Name())
		}
		a := newArray([]int{n}, int64Type)
		for i, v := range r.rng.Perm(n) {
			a.data[i] = float64(v)
		}
		return a, nil
	}
	a, err := asArray(x)
	if err != nil || a.ndim() == 0 {
		return nil, fmt.Errorf("%s: expected an int or an array", b.Name())
	}
	return a.takeRows(r.rng.Perm(a.Len())), nil
}
