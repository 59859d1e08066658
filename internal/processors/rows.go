package processors

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// rowWriter writes NDJSON rows to a temporary file that replaces the result
// artifact only on Close, so an interrupted run never leaves a partial result.
type rowWriter struct {
	path string
	f    *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
	rows int
}

func newRowWriter(path string) (*rowWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create result dir: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create result: %w", err)
	}
	buf := bufio.NewWriter(f)
	return &rowWriter{path: path, f: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

func (w *rowWriter) Write(row any) error {
	if err := w.enc.Encode(row); err != nil {
		return fmt.Errorf("write row %d: %w", w.rows, err)
	}
	w.rows++
	return nil
}

func (w *rowWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.Abort()
		return fmt.Errorf("flush result: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("close result: %w", err)
	}
	return os.Rename(w.f.Name(), w.path)
}

func (w *rowWriter) Abort() {
	w.f.Close()
	os.Remove(w.f.Name())
}
