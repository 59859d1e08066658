package cli

import (
	"context"
	"testing"

	"github.com/raphaelgruber/dataforge/internal/memstore"
	"github.com/raphaelgruber/dataforge/internal/models"
	"github.com/raphaelgruber/dataforge/internal/pipeline"
	"github.com/raphaelgruber/dataforge/internal/processors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMemory(t *testing.T) {
	t.Helper()
	st = memstore.New()
	catalog = processors.BuiltinCatalog(nil)
	dataLayout = pipeline.Layout{Root: t.TempDir()}
	t.Cleanup(func() { st, catalog = nil, nil })
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		{name: "scalars", pairs: []string{"n=3", "flag=true", "s=hello"}, want: map[string]any{"n": 3, "flag": true, "s": "hello"}},
		{name: "list", pairs: []string{"urls=[a, b]"}, want: map[string]any{"urls": []any{"a", "b"}}},
		{name: "value with equals", pairs: []string{"q=a=b"}, want: map[string]any{"q": "a=b"}},
		{name: "empty value", pairs: []string{"k="}, want: map[string]any{"k": ""}},
		{name: "missing equals", pairs: []string{"oops"}, wantErr: true},
		{name: "missing key", pairs: []string{"=v"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParams(tt.pairs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddFollowups(t *testing.T) {
	setupMemory(t)

	params := map[string]any{}
	require.NoError(t, addFollowups(params, []string{processors.TypeStatusReport}))
	next, err := models.DecodeFollowups(params[models.ParamNext])
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, processors.TypeStatusReport, next[0].Type)

	assert.Error(t, addFollowups(map[string]any{}, []string{"no-such-type"}))
}

func TestQueueDataset(t *testing.T) {
	setupMemory(t)
	ctx := context.Background()

	_, err := queueDataset(ctx, processors.TypeArchiveToNDJSON, "", nil)
	assert.ErrorContains(t, err, "needs a parent")

	root, err := queueDataset(ctx, processors.TypeFetchURLs, "", map[string]any{"urls": "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, root.Key+".zip", root.ResultFile)

	_, err = queueDataset(ctx, processors.TypeAnnotateStatus, root.Key, nil)
	assert.ErrorContains(t, err, "cannot run on")

	child, err := queueDataset(ctx, processors.TypeArchiveToNDJSON, root.Key, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, root.Key, child.Parent())

	jobs, err := st.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	_, err = queueDataset(ctx, processors.TypeFetchURLs, "missing", nil)
	assert.ErrorContains(t, err, "dataset not found")
}

func TestDescendants(t *testing.T) {
	setupMemory(t)
	ctx := context.Background()

	root, err := queueDataset(ctx, processors.TypeFetchURLs, "", nil)
	require.NoError(t, err)
	child, err := queueDataset(ctx, processors.TypeArchiveToNDJSON, root.Key, map[string]any{})
	require.NoError(t, err)
	grandchild, err := queueDataset(ctx, processors.TypeAnnotateStatus, child.Key, map[string]any{})
	require.NoError(t, err)

	keys, err := descendants(ctx, root.Key)
	require.NoError(t, err)
	assert.Equal(t, []string{root.Key, child.Key, grandchild.Key}, keys)
}
