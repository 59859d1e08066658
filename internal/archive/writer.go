package archive

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Writer builds a bundle. The file appears at its final path only on Close.
type Writer struct {
	path string
	tmp  *os.File
	zw   *zip.Writer
}

// Create starts a new bundle at path.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	return &Writer{path: path, tmp: tmp, zw: zip.NewWriter(tmp)}, nil
}

// Add writes one entry.
func (w *Writer) Add(name string, data []byte) error {
	f, err := w.zw.Create(name)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// AddMetadata writes v as the metadata sidecar.
func (w *Writer) AddMetadata(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return w.Add(MetadataEntry, data)
}

// Close finalises the bundle and moves it into place.
func (w *Writer) Close() error {
	if err := w.zw.Close(); err != nil {
		w.Abort()
		return fmt.Errorf("finalise archive: %w", err)
	}
	if err := w.tmp.Close(); err != nil {
		os.Remove(w.tmp.Name())
		return fmt.Errorf("close archive: %w", err)
	}
	return os.Rename(w.tmp.Name(), w.path)
}

// Abort discards the bundle.
func (w *Writer) Abort() {
	w.tmp.Close()
	os.Remove(w.tmp.Name())
}
