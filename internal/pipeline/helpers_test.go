package pipeline

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/dataforge/internal/interrupt"
	"github.com/raphaelgruber/dataforge/internal/memstore"
	"github.com/raphaelgruber/dataforge/internal/models"
	"github.com/raphaelgruber/dataforge/internal/proxy"
	"github.com/stretchr/testify/require"
)

// fakeDelegator records halted queues.
type fakeDelegator struct {
	mu     sync.Mutex
	halted []string
}

func (f *fakeDelegator) AddURLs(context.Context, string, []proxy.Request) error { return nil }
func (f *fakeDelegator) QueueLength(string) int                                 { return 0 }
func (f *fakeDelegator) Results(string, bool) []proxy.Response                  { return nil }
func (f *fakeDelegator) HaltAndWait(_ context.Context, queue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halted = append(f.halted, queue)
	return nil
}

type harness struct {
	t         *testing.T
	store     *memstore.Store
	catalog   *Catalog
	layout    Layout
	delegator *fakeDelegator
	ctrl      *Controller
	logs      *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		store:     memstore.New(),
		catalog:   NewCatalog(),
		layout:    Layout{Root: t.TempDir()},
		delegator: &fakeDelegator{},
		logs:      &bytes.Buffer{},
	}
	logger := slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h.ctrl = NewController(Deps{
		Datasets:    h.store,
		Queue:       h.store,
		Annotations: h.store,
		Catalog:     h.catalog,
		Delegator:   h.delegator,
		Layout:      h.layout,
		Logger:      logger,
	}, Options{Version: "test", Commit: "abc123", UpstreamDelay: time.Minute, RetryDelay: time.Minute})
	return h
}

// register adds a runnable processor accepting any parent.
func (h *harness) register(typ string, fn ProcessorFunc, opts ...func(*models.ProcessorDescriptor)) {
	desc := models.ProcessorDescriptor{Type: typ, Accepts: []string{"*"}, Extension: "ndjson"}
	for _, o := range opts {
		o(&desc)
	}
	h.catalog.Register(desc, fn)
}

// dataset stores a dataset. parent may be "".
func (h *harness) dataset(key, typ, parent string, state models.DatasetState, params map[string]any) *models.Dataset {
	h.t.Helper()
	d := &models.Dataset{
		Key:        key,
		Type:       typ,
		State:      state,
		Parameters: params,
		ResultFile: key + ".ndjson",
		Owner:      "alice",
		Owners:     []string{"alice", "bob"},
		Private:    true,
	}
	if parent != "" {
		d.ParentKey = &parent
	}
	require.NoError(h.t, h.store.CreateDataset(context.Background(), d))
	return d
}

// claim enqueues the job of a dataset. The controller does not depend on
// the job being claimed.
func (h *harness) claim(typ, key string) *models.Job {
	h.t.Helper()
	job, err := h.store.Enqueue(context.Background(), typ, key)
	require.NoError(h.t, err)
	return job
}

func (h *harness) run(typ, key string) Outcome {
	h.t.Helper()
	return h.ctrl.Run(context.Background(), h.claim(typ, key), &interrupt.Flag{})
}

func (h *harness) get(key string) *models.Dataset {
	h.t.Helper()
	d, err := h.store.GetDataset(context.Background(), key)
	require.NoError(h.t, err)
	return d
}

func (h *harness) jobs(typ string) int {
	h.t.Helper()
	n, err := h.store.CountJobs(context.Background(), typ)
	require.NoError(h.t, err)
	return n
}

func writeResult(t *testing.T, run *Run, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(run.ResultPath()), 0o755))
	require.NoError(t, os.WriteFile(run.ResultPath(), []byte(content), 0o644))
}
