package processors

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/raphaelgruber/dataforge/internal/archive"
	"github.com/raphaelgruber/dataforge/internal/interrupt"
	"github.com/raphaelgruber/dataforge/internal/memstore"
	"github.com/raphaelgruber/dataforge/internal/models"
	"github.com/raphaelgruber/dataforge/internal/pipeline"
	"github.com/raphaelgruber/dataforge/internal/proxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type env struct {
	t       *testing.T
	store   *memstore.Store
	layout  pipeline.Layout
	catalog *pipeline.Catalog
	ctrl    *pipeline.Controller
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memstore.New()
	layout := pipeline.Layout{Root: t.TempDir()}
	catalog := BuiltinCatalog(nil)
	delegator := proxy.NewHTTPDelegator(proxy.DelegatorConfig{MaxWorkers: 4})
	t.Cleanup(delegator.Close)

	ctrl := pipeline.NewController(pipeline.Deps{
		Datasets:    store,
		Queue:       store,
		Annotations: store,
		Catalog:     catalog,
		Delegator:   delegator,
		Layout:      layout,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, pipeline.Options{
		Version:      "test",
		ProxyOptions: []proxy.Option{proxy.WithPollInterval(5 * time.Millisecond)},
	})
	return &env{t: t, store: store, layout: layout, catalog: catalog, ctrl: ctrl}
}

func (e *env) create(key, typ, parent string, params map[string]any) {
	e.t.Helper()
	ext := "ndjson"
	if d, ok := e.catalog.Descriptor(typ); ok && d.Extension != "" {
		ext = d.Extension
	}
	d := &models.Dataset{Key: key, Type: typ, State: models.StateQueued, Parameters: params, ResultFile: key + "." + ext}
	if parent != "" {
		d.ParentKey = &parent
	}
	require.NoError(e.t, e.store.CreateDataset(context.Background(), d))
}

// drain runs queued jobs until none is claimable.
func (e *env) drain() {
	e.t.Helper()
	ctx := context.Background()
	for range 50 {
		job, err := e.store.Claim(ctx, "test", e.catalog.Types())
		require.NoError(e.t, err)
		if job == nil {
			return
		}
		out := e.ctrl.Run(ctx, job, &interrupt.Flag{})
		require.NotEqual(e.t, pipeline.OutcomeFailed, out.Kind, "%v", out.Err)
	}
	e.t.Fatal("queue did not drain")
}

func (e *env) get(key string) *models.Dataset {
	e.t.Helper()
	d, err := e.store.GetDataset(context.Background(), key)
	require.NoError(e.t, err)
	return d
}

func statusServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		default:
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprintf(w, "hello from %s", r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchURLsWritesBundle(t *testing.T) {
	e := newEnv(t)
	srv := statusServer(t)
	e.create("f", TypeFetchURLs, "", map[string]any{
		"urls":       []any{srv.URL + "/a " + srv.URL + "/missing", "not-a-url", srv.URL + "/c"},
		"auth_token": "s3cret",
	})
	_, err := e.store.Enqueue(context.Background(), TypeFetchURLs, "f")
	require.NoError(t, err)

	e.drain()

	f := e.get("f")
	assert.Equal(t, models.StateFinished, f.State)
	assert.Equal(t, 3, f.NumRows)
	assert.NotContains(t, f.Parameters, "auth_token")

	names, err := archive.Entries(e.layout.ResultPath(f))
	require.NoError(t, err)
	assert.Equal(t, []string{archive.MetadataEntry, BodyName(0), BodyName(1), BodyName(2)}, names)

	meta, err := archive.ReadMetadata(e.layout.ResultPath(f))
	require.NoError(t, err)
	missing := meta[BodyName(1)].(map[string]any)
	assert.EqualValues(t, 404, missing["status"])
}

func TestStatusReportPresetEndToEnd(t *testing.T) {
	e := newEnv(t)
	srv := statusServer(t)
	e.create("f", TypeFetchURLs, "", map[string]any{
		"urls": []any{srv.URL + "/a", srv.URL + "/missing"},
		models.ParamNext: models.FollowupsParam([]models.Followup{
			{Type: TypeStatusReport, Parameters: map[string]any{}},
		}),
	})
	_, err := e.store.Enqueue(context.Background(), TypeFetchURLs, "f")
	require.NoError(t, err)

	e.drain()

	children, err := e.store.ListDatasets(context.Background(), "f")
	require.NoError(t, err)
	require.Len(t, children, 1)
	preset := e.get(children[0].Key)
	assert.Equal(t, TypeStatusReport, preset.Type)
	assert.Equal(t, models.StateFinished, preset.State)
	assert.Equal(t, 2, preset.NumRows)

	// The preset's result is the annotate-status output.
	rows := readLines(t, e.layout.ResultPath(preset))
	require.Len(t, rows, 2)
	assert.Equal(t, "http-status", gjson.Get(rows[0], "label").String())

	anns, err := e.store.GetAnnotations(context.Background(), "f")
	require.NoError(t, err)
	require.Len(t, anns, 2)
	values := map[string]string{}
	for _, a := range anns {
		values[a.ItemID] = a.Value
		assert.Equal(t, "http-status", a.Label)
		assert.Equal(t, TypeAnnotateStatus, a.Author)
	}
	assert.Equal(t, map[string]string{BodyName(0): "200", BodyName(1): "404"}, values)
	assert.Len(t, e.get("f").AnnotationFields, 1)
}

func TestArchiveToNDJSONWithoutSourceArchive(t *testing.T) {
	e := newEnv(t)
	e.create("f", TypeFetchURLs, "", nil)
	require.NoError(t, e.store.FinishDataset(context.Background(), "f", 1))
	e.create("n", TypeArchiveToNDJSON, "f", nil)
	_, err := e.store.Enqueue(context.Background(), TypeArchiveToNDJSON, "n")
	require.NoError(t, err)

	e.drain()

	assert.Equal(t, models.StateEmpty, e.get("n").State)
}

func TestPresetChain(t *testing.T) {
	steps := []models.Followup{
		{Type: "one", Parameters: map[string]any{"x": 1}},
		{Type: "two"},
		{Type: "three", Parameters: map[string]any{"y": 2}},
	}
	chain, err := PresetChain(steps, "preset-key", map[string]any{
		"x": 99, "extra": "v", models.ParamNext: "ignored", models.ParamAttachTo: "ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, "one", chain.Type)
	assert.Equal(t, 1, chain.Parameters["x"], "step parameters win")
	assert.Equal(t, "v", chain.Parameters["extra"])
	assert.NotContains(t, chain.Parameters, models.ParamAttachTo)

	second := chain.Next()
	require.Len(t, second, 1)
	assert.Equal(t, "two", second[0].Type)
	third := second[0].Next()
	require.Len(t, third, 1)
	assert.Equal(t, "three", third[0].Type)
	assert.Equal(t, "preset-key", third[0].Parameters[models.ParamAttachTo])
	assert.Empty(t, third[0].Next())

	// Inputs are left untouched.
	assert.NotContains(t, steps[2].Parameters, models.ParamAttachTo)

	_, err = PresetChain(nil, "k", nil)
	assert.ErrorIs(t, err, errNoSteps)
}

func TestRegisterExtraDescriptors(t *testing.T) {
	c := BuiltinCatalog([]models.ProcessorDescriptor{
		{Type: TypeAnnotateStatus, Accepts: []string{"*"}, MaxWorkers: 7},
		{Type: "preset-custom", Accepts: []string{TypeFetchURLs}, Steps: []models.Followup{{Type: TypeArchiveToNDJSON}}},
		{Type: "external-only"},
	})

	desc, _, ok := c.Lookup(TypeAnnotateStatus)
	require.True(t, ok)
	assert.Equal(t, 7, desc.MaxWorkers)

	_, _, ok = c.Lookup("preset-custom")
	assert.True(t, ok)
	_, _, ok = c.Lookup("external-only")
	assert.False(t, ok)
}

func TestEscapePath(t *testing.T) {
	meta := []byte(`{"00001.body":{"url":"u"}}`)
	assert.Equal(t, "u", gjson.GetBytes(meta, escapePath("00001.body")+".url").String())
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		out = append(out, s.Text())
	}
	require.NoError(t, s.Err())
	return out
}
