package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sourcegraph/conc"
)

// maxBodySize caps how much of a response body is kept in memory.
const maxBodySize = 32 << 20

// DelegatorConfig configures the shared request executor.
type DelegatorConfig struct {
	MaxWorkers int           // requests in flight across all queues
	Cooloff    time.Duration // minimum gap between two requests to the same host
	Timeout    time.Duration // per request, including retries
	RetryMax   int
	Logger     *slog.Logger
}

type namedQueue struct {
	ctx      context.Context
	cancel   context.CancelFunc
	pending  []Request
	inflight int
	done     []Response
	nextPos  int
	halted   bool
	drained  chan struct{}
}

// HTTPDelegator runs queued requests with a retrying HTTP client. It is shared by
// every processor of a worker process; queues are keyed by name so concurrent
// runs never see each other's results.
type HTTPDelegator struct {
	cfg    DelegatorConfig
	client *retryablehttp.Client
	logger *slog.Logger

	mu      sync.Mutex
	queues  map[string]*namedQueue
	order   []string // round-robin over queue names
	running int
	lastHit map[string]time.Time
	wakeup  *time.Timer
	closed  bool

	wg conc.WaitGroup
}

// NewHTTPDelegator creates a delegator. Call Close to stop it.
func NewHTTPDelegator(cfg DelegatorConfig) *HTTPDelegator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = cfg.Logger.With("component", "delegator")

	return &HTTPDelegator{
		cfg:     cfg,
		client:  client,
		logger:  cfg.Logger,
		queues:  make(map[string]*namedQueue),
		lastHit: make(map[string]time.Time),
	}
}

// AddURLs appends requests to a queue, creating it on first use. A new queue
// hands back ordered results starting at the position of its first request.
func (d *HTTPDelegator) AddURLs(ctx context.Context, queue string, reqs []Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	q, ok := d.queues[queue]
	if !ok || q.halted {
		qctx, cancel := context.WithCancel(context.Background())
		q = &namedQueue{ctx: qctx, cancel: cancel}
		if len(reqs) > 0 {
			q.nextPos = reqs[0].Position
		}
		d.queues[queue] = q
		if !slices.Contains(d.order, queue) {
			d.order = append(d.order, queue)
		}
	}
	for _, r := range reqs {
		if _, err := url.Parse(r.URL); err != nil {
			return fmt.Errorf("invalid url %q: %w", r.URL, err)
		}
	}
	q.pending = append(q.pending, reqs...)
	d.dispatchLocked()
	return nil
}

// QueueLength returns queued plus in-flight requests of a queue.
func (d *HTTPDelegator) QueueLength(queue string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[queue]
	if !ok {
		return 0
	}
	return len(q.pending) + q.inflight
}

// Results hands back completed responses of a queue.
func (d *HTTPDelegator) Results(queue string, preserveOrder bool) []Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[queue]
	if !ok || len(q.done) == 0 {
		return nil
	}

	var out []Response
	if preserveOrder {
		slices.SortFunc(q.done, func(a, b Response) int { return a.Position - b.Position })
		n := 0
		for n < len(q.done) && q.done[n].Position == q.nextPos {
			q.nextPos++
			n++
		}
		out = slices.Clone(q.done[:n])
		q.done = q.done[n:]
	} else {
		out = q.done
		q.done = nil
	}

	// An idle queue is dropped so its context is released and a later fetch
	// on the same name starts over.
	if len(q.pending) == 0 && q.inflight == 0 && len(q.done) == 0 {
		q.cancel()
		d.removeLocked(queue)
	}
	return out
}

// HaltAndWait drops a queue's pending requests, cancels in-flight ones and
// blocks until they returned. Halting an unknown queue is a no-op.
func (d *HTTPDelegator) HaltAndWait(ctx context.Context, queue string) error {
	d.mu.Lock()
	q, ok := d.queues[queue]
	if !ok {
		d.mu.Unlock()
		return nil
	}
	q.halted = true
	q.pending = nil
	q.done = nil
	q.cancel()
	if q.inflight == 0 {
		d.removeLocked(queue)
		d.mu.Unlock()
		return nil
	}
	if q.drained == nil {
		q.drained = make(chan struct{})
	}
	drained := q.drained
	d.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, cancels every queue and waits for in-flight requests.
func (d *HTTPDelegator) Close() {
	d.mu.Lock()
	d.closed = true
	for _, q := range d.queues {
		q.pending = nil
		q.cancel()
	}
	if d.wakeup != nil {
		d.wakeup.Stop()
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.client.HTTPClient.CloseIdleConnections()
}

// dispatchLocked starts pending requests while worker slots are free. Hosts in
// cooloff are skipped and a wakeup is scheduled for the earliest of them.
func (d *HTTPDelegator) dispatchLocked() {
	if d.closed {
		return
	}
	var earliest time.Time
	for d.running < d.cfg.MaxWorkers {
		name, idx, wait := d.nextRunnableLocked()
		if name == "" {
			if !wait.IsZero() && (earliest.IsZero() || wait.Before(earliest)) {
				earliest = wait
			}
			break
		}
		q := d.queues[name]
		req := q.pending[idx]
		q.pending = slices.Delete(q.pending, idx, idx+1)
		q.inflight++
		d.running++
		d.lastHit[hostOf(req.URL)] = time.Now()

		d.wg.Go(func() {
			resp := d.do(q.ctx, req)
			d.complete(name, q, resp)
		})
	}

	if !earliest.IsZero() && d.wakeup == nil {
		d.wakeup = time.AfterFunc(time.Until(earliest), func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.wakeup = nil
			d.dispatchLocked()
		})
	}
}

// nextRunnableLocked picks the next request in round-robin order whose host is
// not cooling off. When nothing is runnable it returns the earliest time a
// cooling host becomes available.
func (d *HTTPDelegator) nextRunnableLocked() (string, int, time.Time) {
	var earliest time.Time
	for i := 0; i < len(d.order); i++ {
		name := d.order[0]
		d.order = append(d.order[1:], name)

		q := d.queues[name]
		if q == nil || q.halted {
			continue
		}
		for idx, req := range q.pending {
			last, seen := d.lastHit[hostOf(req.URL)]
			ready := last.Add(d.cfg.Cooloff)
			if !seen || d.cfg.Cooloff <= 0 || !time.Now().Before(ready) {
				return name, idx, time.Time{}
			}
			if earliest.IsZero() || ready.Before(earliest) {
				earliest = ready
			}
		}
	}
	return "", 0, earliest
}

func (d *HTTPDelegator) complete(name string, q *namedQueue, resp Response) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.running--
	q.inflight--
	if !q.halted {
		q.done = append(q.done, resp)
	} else if q.inflight == 0 {
		if q.drained != nil {
			close(q.drained)
		}
		if d.queues[name] == q {
			d.removeLocked(name)
		}
	}
	d.dispatchLocked()
}

func (d *HTTPDelegator) removeLocked(name string) {
	delete(d.queues, name)
	d.order = slices.DeleteFunc(d.order, func(n string) bool { return n == name })
}

func (d *HTTPDelegator) do(ctx context.Context, req Request) Response {
	resp := Response{URL: req.URL, Position: req.Position}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		resp.Err = err
		return resp
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	res, err := d.client.Do(httpReq)
	if err != nil {
		resp.Err = err
		return resp
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		resp.Err = fmt.Errorf("read body: %w", err)
		return resp
	}
	resp.Status = res.StatusCode
	resp.Header = res.Header
	resp.Body = body
	return resp
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Host
}
