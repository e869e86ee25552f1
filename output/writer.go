package output

import (
	"bytes"
	"sync"
)

// LineWriter adapts a byte stream to per-line callbacks, the way an
// interpreter's batched stdout handler receives text. Line terminators are
// stripped.
type LineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(string)
}

func NewLineWriter(emit func(string)) *LineWriter {
	return &LineWriter{emit: emit}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(w.buf[:i], []byte{'\r'})
		w.emit(string(line))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing partial line, if any.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) == 0 {
		return
	}
	w.emit(string(w.buf))
	w.buf = nil
}
