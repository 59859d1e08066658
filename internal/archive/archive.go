// Package archive reads and writes the zip bundles processors use as result
// artifacts. Reads are cancellable between entries.
package archive

import (
	"archive/zip"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"slices"

	"github.com/raphaelgruber/dataforge/internal/interrupt"
)

// MetadataEntry is the sidecar entry describing the other entries of a bundle.
// It is always visited first.
const MetadataEntry = ".metadata.json"

// ErrEntryNotFound is returned when a named entry is not in the archive.
var ErrEntryNotFound = errors.New("archive entry not found")

// Entry is one file extracted into the staging area.
type Entry struct {
	Name string
	Path string
	Size int64
}

type options struct {
	filter func(name string) bool
	keep   bool
	flag   *interrupt.Flag
}

// Option configures iteration.
type Option func(*options)

// WithFilter only visits entries for which keep returns true.
func WithFilter(keep func(name string) bool) Option {
	return func(o *options) { o.filter = keep }
}

// KeepFiles leaves extracted files in the staging area after they were yielded.
// By default each file is removed as soon as the caller moves on.
func KeepFiles() Option {
	return func(o *options) { o.keep = true }
}

// WithInterrupt polls flag before each entry is extracted.
func WithInterrupt(flag *interrupt.Flag) Option {
	return func(o *options) { o.flag = flag }
}

// Iterate extracts the entries of the archive at path into staging one by one,
// metadata sidecar first and the rest sorted by name. An interrupt request
// ends the sequence with an *interrupt.Signal before the next entry is touched.
// A missing archive yields nothing.
func Iterate(path, staging string, opts ...Option) iter.Seq2[Entry, error] {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	return func(yield func(Entry, error) bool) {
		r, err := zip.OpenReader(path)
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		if err != nil {
			yield(Entry{}, fmt.Errorf("open archive: %w", err))
			return
		}
		defer r.Close()

		if err := os.MkdirAll(staging, 0o755); err != nil {
			yield(Entry{}, fmt.Errorf("create staging area: %w", err))
			return
		}

		for _, f := range sortedFiles(r.File) {
			if err := o.flag.Check(); err != nil {
				yield(Entry{}, err)
				return
			}
			if o.filter != nil && !o.filter(f.Name) {
				continue
			}

			entry, err := extract(f, staging)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			more := yield(entry, nil)
			if !o.keep {
				os.Remove(entry.Path)
			}
			if !more {
				return
			}
		}
	}
}

// UnpackAll extracts every entry into staging and returns staging.
// A missing archive leaves staging untouched.
func UnpackAll(path, staging string, flag *interrupt.Flag) (string, error) {
	for _, err := range Iterate(path, staging, KeepFiles(), WithInterrupt(flag)) {
		if err != nil {
			return staging, err
		}
	}
	return staging, nil
}

// ExtractFile extracts the single entry name into staging and returns its path.
// A missing archive returns "" without error.
func ExtractFile(path, name, staging string) (string, error) {
	r, err := zip.OpenReader(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		if err := os.MkdirAll(staging, 0o755); err != nil {
			return "", fmt.Errorf("create staging area: %w", err)
		}
		entry, err := extract(f, staging)
		if err != nil {
			return "", err
		}
		return entry.Path, nil
	}
	return "", fmt.Errorf("%w: %s", ErrEntryNotFound, name)
}

// ReadMetadata decodes the metadata sidecar. A missing archive or sidecar
// returns nil without error.
func ReadMetadata(path string) (map[string]any, error) {
	r, err := zip.OpenReader(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	f, err := r.Open(MetadataEntry)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	defer f.Close()

	var meta map[string]any
	if err := json.NewDecoder(f).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

// Entries lists the file names in the archive in visiting order.
func Entries(path string) ([]string, error) {
	r, err := zip.OpenReader(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	files := sortedFiles(r.File)
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	return names, nil
}

// sortedFiles drops directories and orders the metadata sidecar first.
func sortedFiles(files []*zip.File) []*zip.File {
	out := make([]*zip.File, 0, len(files))
	for _, f := range files {
		if !f.FileInfo().IsDir() {
			out = append(out, f)
		}
	}
	slices.SortFunc(out, func(a, b *zip.File) int {
		am, bm := a.Name == MetadataEntry, b.Name == MetadataEntry
		switch {
		case am && !bm:
			return -1
		case bm && !am:
			return 1
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

func extract(f *zip.File, staging string) (Entry, error) {
	if !filepath.IsLocal(f.Name) {
		return Entry{}, fmt.Errorf("archive entry %q escapes the staging area", f.Name)
	}
	dst := filepath.Join(staging, filepath.FromSlash(f.Name))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Entry{}, fmt.Errorf("create entry dir: %w", err)
	}

	in, err := f.Open()
	if err != nil {
		return Entry{}, fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return Entry{}, fmt.Errorf("create %s: %w", dst, err)
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return Entry{}, fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return Entry{Name: f.Name, Path: dst, Size: n}, nil
}
