//go:build integration

// Package db provides integration tests for SurrealDB operations.
package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/dataforge/internal/interrupt"
	"github.com/raphaelgruber/dataforge/internal/models"
	"github.com/raphaelgruber/dataforge/internal/pipeline"
	"github.com/raphaelgruber/dataforge/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDB *Client
var testContainer testcontainers.Container

var (
	_ pipeline.DatasetStore    = (*Client)(nil)
	_ pipeline.JobQueue        = (*Client)(nil)
	_ pipeline.AnnotationStore = (*Client)(nil)
	_ worker.Claimer           = (*Client)(nil)
)

// TestMain sets up and tears down the SurrealDB container for all tests.
func TestMain(m *testing.M) {
	// Disable ryuk (cleanup container) as it can cause issues in some environments
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	var err error
	testContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v2.3.7",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// Workaround: testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	mappedPort, err := testContainer.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testDB, err = NewClient(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, mappedPort.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := testDB.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = testContainer.Terminate(ctx)

	os.Exit(code)
}

// fresh wipes all tables so each test starts from an empty database.
func fresh(t *testing.T) context.Context {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, testDB.WipeData(ctx))
	return ctx
}

func createDataset(t *testing.T, ctx context.Context, key, parent string) {
	t.Helper()
	d := &models.Dataset{
		Key:        key,
		Type:       "fetch-urls",
		State:      models.StateQueued,
		StatusText: "Queued",
		Parameters: map[string]any{"urls": []any{"https://example.com"}},
		ResultFile: key + ".zip",
	}
	if parent != "" {
		d.ParentKey = &parent
	}
	require.NoError(t, testDB.CreateDataset(ctx, d))
}

// =============================================================================
// DATASET TESTS
// =============================================================================

func TestDatasetLifecycle(t *testing.T) {
	ctx := fresh(t)
	createDataset(t, ctx, "root", "")

	// Creating the same key again keeps the first dataset.
	require.NoError(t, testDB.CreateDataset(ctx, &models.Dataset{Key: "root", Type: "other"}))

	d, err := testDB.GetDataset(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, "fetch-urls", d.Type)
	assert.Equal(t, models.StateQueued, d.State)
	assert.False(t, d.HasParent())
	require.NotNil(t, d.ID)

	require.NoError(t, testDB.SetState(ctx, "root", models.StateProcessing))
	require.NoError(t, testDB.UpdateStatus(ctx, "root", "Running"))
	require.NoError(t, testDB.UpdateProgress(ctx, "root", 0.5))
	require.NoError(t, testDB.SetVersion(ctx, "root", "1.0.0", "abc123"))
	require.NoError(t, testDB.SetParameter(ctx, "root", "auth_token", "secret"))
	require.NoError(t, testDB.DeleteParameter(ctx, "root", "auth_token"))
	require.NoError(t, testDB.DeleteParameter(ctx, "root", "never-set"))
	require.NoError(t, testDB.FinishDataset(ctx, "root", 3))

	d, err = testDB.GetDataset(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, models.StateFinished, d.State)
	assert.Equal(t, 3, d.NumRows)
	assert.InDelta(t, 1.0, d.Progress, 0.0001)
	assert.Equal(t, "Running", d.StatusText)
	assert.Equal(t, "1.0.0", d.SoftwareVersion)
	assert.Contains(t, d.Parameters, "urls")
	assert.NotContains(t, d.Parameters, "auth_token")

	require.NoError(t, testDB.FinishDataset(ctx, "root", 0))
	d, err = testDB.GetDataset(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, models.StateEmpty, d.State)
}

func TestDatasetNotFound(t *testing.T) {
	ctx := fresh(t)

	_, err := testDB.GetDataset(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, testDB.UpdateStatus(ctx, "missing", "x"), models.ErrNotFound)
	assert.ErrorIs(t, testDB.DeleteDataset(ctx, "missing"), models.ErrNotFound)
}

func TestListDatasetsByParent(t *testing.T) {
	ctx := fresh(t)
	createDataset(t, ctx, "root", "")
	createDataset(t, ctx, "child-a", "root")
	createDataset(t, ctx, "child-b", "root")
	createDataset(t, ctx, "grandchild", "child-a")

	all, err := testDB.ListDatasets(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	children, err := testDB.ListDatasets(ctx, "root")
	require.NoError(t, err)
	keys := []string{}
	for _, d := range children {
		keys = append(keys, d.Key)
	}
	assert.ElementsMatch(t, []string{"child-a", "child-b"}, keys)

	require.NoError(t, testDB.DetachFromParent(ctx, "child-b"))
	children, err = testDB.ListDatasets(ctx, "root")
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestDeleteDatasetCascades(t *testing.T) {
	ctx := fresh(t)
	createDataset(t, ctx, "root", "")
	_, err := testDB.Enqueue(ctx, "fetch-urls", "root")
	require.NoError(t, err)
	require.NoError(t, testDB.UpsertAnnotations(ctx, []models.Annotation{
		{ID: "a1", Dataset: "root", FieldID: "f", ItemID: "1", Label: "l", Value: "v"},
	}))

	require.NoError(t, testDB.DeleteDataset(ctx, "root"))

	n, err := testDB.CountJobs(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
	anns, err := testDB.GetAnnotations(ctx, "root")
	require.NoError(t, err)
	assert.Empty(t, anns)
}

func TestCopyDataset(t *testing.T) {
	tests := []struct {
		name       string
		deep       bool
		wantAnns   int
		wantFields int
	}{
		{name: "shallow", deep: false, wantAnns: 0, wantFields: 0},
		{name: "deep", deep: true, wantAnns: 2, wantFields: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := fresh(t)
			createDataset(t, ctx, "root", "")
			require.NoError(t, testDB.SaveAnnotationFields(ctx, "root", map[string]models.AnnotationField{
				"f": {ID: "f", Label: "status", Type: "text"},
			}))
			require.NoError(t, testDB.UpsertAnnotations(ctx, []models.Annotation{
				{ID: "a1", Dataset: "root", FieldID: "f", ItemID: "1", Label: "status", Value: "200"},
				{ID: "a2", Dataset: "root", FieldID: "f", ItemID: "2", Label: "status", Value: "404"},
			}))

			cp, err := testDB.CopyDataset(ctx, "root", tt.deep)
			require.NoError(t, err)
			assert.NotEqual(t, "root", cp.Key)
			assert.Equal(t, cp.Key+".zip", cp.ResultFile)
			assert.Len(t, cp.AnnotationFields, tt.wantFields)

			anns, err := testDB.GetAnnotations(ctx, cp.Key)
			require.NoError(t, err)
			assert.Len(t, anns, tt.wantAnns)

			orig, err := testDB.GetAnnotations(ctx, "root")
			require.NoError(t, err)
			assert.Len(t, orig, 2)
		})
	}
}

// =============================================================================
// JOB TESTS
// =============================================================================

func TestEnqueueDeduplicates(t *testing.T) {
	ctx := fresh(t)

	first, err := testDB.Enqueue(ctx, "fetch-urls", "root")
	require.NoError(t, err)
	second, err := testDB.Enqueue(ctx, "fetch-urls", "root")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = testDB.Enqueue(ctx, "annotate-status", "root")
	require.NoError(t, err)

	n, err := testDB.CountJobs(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = testDB.CountJobs(ctx, "fetch-urls")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClaimReleaseFinish(t *testing.T) {
	ctx := fresh(t)
	_, err := testDB.Enqueue(ctx, "fetch-urls", "root")
	require.NoError(t, err)

	none, err := testDB.Claim(ctx, "w1", []string{"other"})
	require.NoError(t, err)
	assert.Nil(t, none)

	job, err := testDB.Claim(ctx, "w1", []string{"fetch-urls"})
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NotNil(t, job.ClaimedBy)
	assert.Equal(t, "w1", *job.ClaimedBy)

	again, err := testDB.Claim(ctx, "w2", []string{"fetch-urls"})
	require.NoError(t, err)
	assert.Nil(t, again, "a claimed job is not handed out twice")

	require.NoError(t, testDB.Release(ctx, job, 0))
	assert.Zero(t, job.Attempts, "plain releases are not failed attempts")

	job, err = testDB.Claim(ctx, "w1", []string{"fetch-urls"})
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, testDB.ReleaseFailed(ctx, job, time.Hour))
	assert.Equal(t, 1, job.Attempts)

	later, err := testDB.Claim(ctx, "w2", []string{"fetch-urls"})
	require.NoError(t, err)
	assert.Nil(t, later, "released job is not claimable before its delay")

	require.NoError(t, testDB.FinishJob(ctx, job))
	require.NoError(t, testDB.FinishJob(ctx, job))
	jobs, err := testDB.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := fresh(t)
	for i := range 5 {
		_, err := testDB.Enqueue(ctx, "fetch-urls", fmt.Sprintf("d%d", i))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := map[string]string{}
	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker := fmt.Sprintf("w%d", w)
			for {
				job, err := testDB.Claim(ctx, worker, []string{"fetch-urls"})
				if !assert.NoError(t, err) || job == nil {
					return
				}
				mu.Lock()
				prev, dup := claimed[job.ID]
				claimed[job.ID] = worker
				mu.Unlock()
				assert.False(t, dup, "job %s claimed by %s and %s", job.ID, prev, worker)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, claimed, 5)
}

func TestRequestInterrupt(t *testing.T) {
	ctx := fresh(t)
	createDataset(t, ctx, "running", "")
	createDataset(t, ctx, "waiting", "")

	_, err := testDB.Enqueue(ctx, "fetch-urls", "running")
	require.NoError(t, err)
	job, err := testDB.Claim(ctx, "w1", []string{"fetch-urls"})
	require.NoError(t, err)
	require.NotNil(t, job)
	_, err = testDB.Enqueue(ctx, "fetch-urls", "waiting")
	require.NoError(t, err)

	n, err := testDB.RequestInterrupt(ctx, "running", interrupt.Retry)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = testDB.RequestInterrupt(ctx, "running", interrupt.Cancel)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	levels, err := testDB.Interrupts(ctx, []string{job.ID, "unknown"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interrupt.Level{job.ID: interrupt.Cancel}, levels)

	// Lower levels never downgrade a pending request.
	_, err = testDB.RequestInterrupt(ctx, "running", interrupt.Retry)
	require.NoError(t, err)
	levels, err = testDB.Interrupts(ctx, []string{job.ID})
	require.NoError(t, err)
	assert.Equal(t, interrupt.Cancel, levels[job.ID])

	// An unclaimed job is cancelled on the spot.
	_, err = testDB.RequestInterrupt(ctx, "waiting", interrupt.Cancel)
	require.NoError(t, err)
	n, err = testDB.CountJobs(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	d, err := testDB.GetDataset(ctx, "waiting")
	require.NoError(t, err)
	assert.Equal(t, models.StateError, d.State)
	assert.Equal(t, statusCancelled, d.StatusText)
}

func TestReleaseStale(t *testing.T) {
	ctx := fresh(t)
	_, err := testDB.Enqueue(ctx, "fetch-urls", "root")
	require.NoError(t, err)
	_, err = testDB.Claim(ctx, "crashed", []string{"fetch-urls"})
	require.NoError(t, err)

	n, err := testDB.ReleaseStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	testDB.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	defer func() { testDB.now = time.Now }()

	n, err = testDB.ReleaseStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := testDB.Claim(ctx, "w2", []string{"fetch-urls"})
	require.NoError(t, err)
	assert.NotNil(t, job)
}

// =============================================================================
// ANNOTATION TESTS
// =============================================================================

func TestAnnotations(t *testing.T) {
	ctx := fresh(t)
	items := []models.Annotation{
		{ID: "a1", Dataset: "root", FieldID: "f1", ItemID: "2", Label: "status", Value: "200", Metadata: map[string]any{"line": 1}},
		{ID: "a2", Dataset: "root", FieldID: "f1", ItemID: "1", Label: "status", Value: "404"},
		{ID: "a3", Dataset: "root", FieldID: "f2", ItemID: "1", Label: "lang", Value: "en"},
		{ID: "a4", Dataset: "other", FieldID: "f1", ItemID: "1", Label: "status", Value: "500"},
	}
	require.NoError(t, testDB.UpsertAnnotations(ctx, items))

	// Upserting the same id overwrites.
	items[1].Value = "410"
	require.NoError(t, testDB.UpsertAnnotations(ctx, items[1:2]))

	anns, err := testDB.GetAnnotations(ctx, "root")
	require.NoError(t, err)
	require.Len(t, anns, 3)
	assert.Equal(t, []string{"a3", "a2", "a1"}, []string{anns[0].ID, anns[1].ID, anns[2].ID})
	assert.Equal(t, "410", anns[1].Value)

	n, err := testDB.DeleteAnnotationsByIDs(ctx, []string{"a3", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = testDB.DeleteAnnotationsByFieldIDs(ctx, []string{"f1"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = testDB.DeleteAnnotationsByDataset(ctx, "root")
	require.NoError(t, err)
	assert.Zero(t, n)
}
