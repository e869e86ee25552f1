package star

import (
	"fmt"
	"strings"

	"github.com/caffeineduck/numplay/output"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

const streamsKey = "numplay.streams"

// streams are the line writers of one run.
type streams struct {
	stdout *output.LineWriter
	stderr *output.LineWriter
}

func (s *streams) flush() {
	s.stdout.Flush()
	s.stderr.Flush()
}

func (s *streams) module() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "sys",
		Members: starlark.StringDict{
			"stdout": &stream{name: "stdout", w: s.stdout},
			"stderr": &stream{name: "stderr", w: s.stderr},
		},
	}
}

// print mirrors Python's print(*args, sep=" ", end="\n", file=sys.stdout).
func (s *streams) print(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	sep, end := " ", "\n"
	w := s.stdout
	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		switch key {
		case "sep", "end":
			v, ok := starlark.AsString(kv[1])
			if !ok && kv[1] != starlark.None {
				return nil, fmt.Errorf("%s: %s must be None or a string, not %s", b.Name(), key, kv[1].Type())
			}
			if !ok {
				continue
			}
			if key == "sep" {
				sep = v
			} else {
				end = v
			}
		case "file":
			st, ok := kv[1].(*stream)
			if !ok {
				return nil, fmt.Errorf("%s: file must be sys.stdout or sys.stderr, not %s", b.Name(), kv[1].Type())
			}
			w = st.w
		case "flush":
		default:
			return nil, fmt.Errorf("%s: unexpected keyword argument %s", b.Name(), key)
		}
	}

	var buf strings.Builder
	for i, arg := range args {
		if i > 0 {
			buf.WriteString(sep)
		}
		if str, ok := starlark.AsString(arg); ok {
			buf.WriteString(str)
		} else {
			buf.WriteString(arg.String())
		}
	}
	buf.WriteString(end)
	w.Write([]byte(buf.String()))
	return starlark.None, nil
}

// stream is sys.stdout or sys.stderr.
type stream struct {
	name string
	w    *output.LineWriter
}

var _ starlark.HasAttrs = (*stream)(nil)

func (s *stream) String() string        { return "<sys." + s.name + ">" }
func (s *stream) Type() string          { return "stream" }
func (s *stream) Freeze()               {}
func (s *stream) Truth() starlark.Bool  { return true }
func (s *stream) Hash() (uint32, error) { return starlark.String(s.name).Hash() }
func (s *stream) AttrNames() []string   { return []string{"write"} }

func (s *stream) Attr(name string) (starlark.Value, error) {
	if name != "write" {
		return nil, nil
	}
	return starlark.NewBuiltin("write", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var text string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &text); err != nil {
			return nil, err
		}
		s.w.Write([]byte(text))
		return starlark.MakeInt(len(text)), nil
	}).BindReceiver(s), nil
}
