package archive

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/raphaelgruber/dataforge/internal/interrupt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildArchive(t *testing.T, entries map[string]string, meta map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle.zip")
	w, err := Create(path)
	require.NoError(t, err)
	// Added in reverse order so sorting is actually exercised.
	names := []string{"c.txt", "a.txt", "b.txt", "sub/d.txt"}
	for _, n := range names {
		if body, ok := entries[n]; ok {
			require.NoError(t, w.Add(n, []byte(body)))
		}
	}
	if meta != nil {
		require.NoError(t, w.AddMetadata(meta))
	}
	require.NoError(t, w.Close())
	return path
}

func allEntries() map[string]string {
	return map[string]string{"a.txt": "alpha", "b.txt": "bravo", "c.txt": "charlie", "sub/d.txt": "delta"}
}

func TestIterateOrder(t *testing.T) {
	path := buildArchive(t, allEntries(), map[string]any{"a.txt": map[string]any{"status": 200}})
	staging := t.TempDir()

	var names []string
	for e, err := range Iterate(path, staging) {
		require.NoError(t, err)
		names = append(names, e.Name)
		_, statErr := os.Stat(e.Path)
		assert.NoError(t, statErr, "entry must exist while yielded")
	}

	assert.Equal(t, []string{MetadataEntry, "a.txt", "b.txt", "c.txt", "sub/d.txt"}, names)

	left, err := os.ReadDir(staging)
	require.NoError(t, err)
	for _, l := range left {
		assert.True(t, l.IsDir(), "only directories remain, got %s", l.Name())
	}
}

func TestIterateKeepFilesAndFilter(t *testing.T) {
	path := buildArchive(t, allEntries(), nil)
	staging := t.TempDir()

	var names []string
	for e, err := range Iterate(path, staging, KeepFiles(), WithFilter(func(n string) bool { return n != "b.txt" })) {
		require.NoError(t, err)
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a.txt", "c.txt", "sub/d.txt"}, names)

	data, err := os.ReadFile(filepath.Join(staging, "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "charlie", string(data))
}

func TestIterateStopsOnInterrupt(t *testing.T) {
	tests := []struct {
		name    string
		level   interrupt.Level
		stopAt  int
		visited int
	}{
		{name: "retry after first entry", level: interrupt.Retry, stopAt: 1, visited: 1},
		{name: "cancel after third entry", level: interrupt.Cancel, stopAt: 3, visited: 3},
		{name: "raised before start", level: interrupt.Cancel, stopAt: 0, visited: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := buildArchive(t, allEntries(), nil)
			flag := &interrupt.Flag{}
			if tt.stopAt == 0 {
				flag.Request(tt.level)
			}

			visited := 0
			var lastErr error
			for _, err := range Iterate(path, t.TempDir(), WithInterrupt(flag)) {
				if err != nil {
					lastErr = err
					break
				}
				visited++
				if visited == tt.stopAt {
					flag.Request(tt.level)
				}
			}

			assert.Equal(t, tt.visited, visited)
			var sig *interrupt.Signal
			require.True(t, errors.As(lastErr, &sig))
			assert.Equal(t, tt.level, sig.Level)
		})
	}
}

func TestMissingArchiveIsNoop(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.zip")

	count := 0
	for range Iterate(missing, t.TempDir()) {
		count++
	}
	assert.Zero(t, count)

	staging := filepath.Join(t.TempDir(), "staging")
	out, err := UnpackAll(missing, staging, nil)
	require.NoError(t, err)
	assert.Equal(t, staging, out)

	p, err := ExtractFile(missing, "a.txt", t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, p)

	meta, err := ReadMetadata(missing)
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestExtractFile(t *testing.T) {
	path := buildArchive(t, allEntries(), nil)
	staging := t.TempDir()

	p, err := ExtractFile(path, "sub/d.txt", staging)
	require.NoError(t, err)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "delta", string(data))

	_, err = ExtractFile(path, "zzz.txt", staging)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestUnpackAllAndMetadata(t *testing.T) {
	path := buildArchive(t, allEntries(), map[string]any{"count": 4})
	staging := filepath.Join(t.TempDir(), "out")

	_, err := UnpackAll(path, staging, nil)
	require.NoError(t, err)
	for name := range allEntries() {
		assert.FileExists(t, filepath.Join(staging, filepath.FromSlash(name)))
	}

	meta, err := ReadMetadata(path)
	require.NoError(t, err)
	assert.EqualValues(t, 4, meta["count"])

	names, err := Entries(path)
	require.NoError(t, err)
	assert.Equal(t, MetadataEntry, names[0])
}

func TestWriterAbortLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(filepath.Join(dir, "bundle.zip"))
	require.NoError(t, err)
	require.NoError(t, w.Add("x", []byte("y")))
	w.Abort()

	left, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, left)
}
