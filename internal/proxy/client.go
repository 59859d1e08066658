// Package proxy batches outbound HTTP requests through a delegator shared by
// all processors running in a worker process.
package proxy

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"time"

	"github.com/raphaelgruber/dataforge/internal/interrupt"
)

// Defaults for Client.
const (
	DefaultBatchSize    = 10
	DefaultPollInterval = 100 * time.Millisecond
)

// ErrClosed is returned by a delegator that no longer accepts work.
var ErrClosed = errors.New("delegator closed")

// Request is one URL submitted to a named queue.
type Request struct {
	URL      string
	Position int
	Method   string
	Header   http.Header
}

// Response is the completed result of a Request. Err is set when the request
// itself failed; the other fields are then zero.
type Response struct {
	URL      string
	Position int
	Status   int
	Header   http.Header
	Body     []byte
	Err      error
}

// Delegator executes requests for many named queues.
// Implementations must be safe for concurrent use.
type Delegator interface {
	AddURLs(ctx context.Context, queue string, reqs []Request) error
	// QueueLength returns the number of unresolved requests in a queue.
	QueueLength(queue string) int
	// Results hands back completed responses once. With preserveOrder only the
	// contiguous run of responses following the last one returned is handed back.
	Results(queue string, preserveOrder bool) []Response
	// HaltAndWait drops queued requests and blocks until in-flight ones finished.
	HaltAndWait(ctx context.Context, queue string) error
}

// Option configures a Client.
type Option func(*Client)

// WithBatchSize bounds the number of unresolved requests the client keeps in its queue.
func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithPollInterval sets how often the client collects results.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithPreserveOrder yields responses in submission order instead of completion order.
func WithPreserveOrder(preserve bool) Option {
	return func(c *Client) { c.preserveOrder = preserve }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		if c.header == nil {
			c.header = http.Header{}
		}
		c.header.Add(key, value)
	}
}

// WithInterrupt makes every poll cycle a suspension point for flag.
func WithInterrupt(flag *interrupt.Flag) Option {
	return func(c *Client) { c.flag = flag }
}

// Client submits requests for one processor run to its own named queue.
type Client struct {
	delegator     Delegator
	queue         string
	batchSize     int
	pollInterval  time.Duration
	preserveOrder bool
	header        http.Header
	flag          *interrupt.Flag
}

// NewClient creates a client bound to the named queue.
func NewClient(d Delegator, queue string, opts ...Option) *Client {
	c := &Client{
		delegator:    d,
		queue:        queue,
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Queue returns the name of the client's queue.
func (c *Client) Queue() string { return c.queue }

// Fetch requests every URL and yields the responses. The second value is only
// set for errors that end the sequence: an *interrupt.Signal when an interrupt
// was requested, or a delegator failure. Per-request failures are in Response.Err.
func (c *Client) Fetch(ctx context.Context, urls []string) iter.Seq2[Response, error] {
	return func(yield func(Response, error) bool) {
		next, outstanding := 0, 0
		timer := time.NewTimer(c.pollInterval)
		defer timer.Stop()

		for next < len(urls) || outstanding > 0 {
			if err := c.suspend(ctx); err != nil {
				c.Halt(ctx)
				yield(Response{}, err)
				return
			}

			if room := c.batchSize - outstanding; room > 0 && next < len(urls) {
				n := min(room, len(urls)-next)
				reqs := make([]Request, n)
				for i := range reqs {
					reqs[i] = Request{URL: urls[next+i], Position: next + i, Method: http.MethodGet, Header: c.header}
				}
				if err := c.delegator.AddURLs(ctx, c.queue, reqs); err != nil {
					c.Halt(ctx)
					yield(Response{}, err)
					return
				}
				next += n
				outstanding += n
			}

			for _, r := range c.delegator.Results(c.queue, c.preserveOrder) {
				outstanding--
				if !yield(r, nil) {
					c.Halt(ctx)
					return
				}
			}
			if outstanding == 0 && next >= len(urls) {
				return
			}

			timer.Reset(c.pollInterval)
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		}
	}
}

// Halt stops the client's queue and waits for in-flight requests to drain.
func (c *Client) Halt(ctx context.Context) error {
	return c.delegator.HaltAndWait(context.WithoutCancel(ctx), c.queue)
}

// suspend is the suspension point of one poll cycle. A cancelled context is
// treated as a retry request.
func (c *Client) suspend(ctx context.Context) error {
	if err := c.flag.Check(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return &interrupt.Signal{Level: interrupt.Retry}
	}
	return nil
}
