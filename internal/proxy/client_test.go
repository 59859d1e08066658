package proxy

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/dataforge/internal/interrupt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepDelegator resolves a random share of its pending requests each time
// results are collected and remembers the largest backlog any queue had.
type stepDelegator struct {
	mu      sync.Mutex
	rng     *rand.Rand
	pending map[string][]Request
	peak    map[string]int
	halted  []string
}

func newStepDelegator(seed uint64) *stepDelegator {
	return &stepDelegator{
		rng:     rand.New(rand.NewPCG(seed, seed)),
		pending: map[string][]Request{},
		peak:    map[string]int{},
	}
}

func (s *stepDelegator) AddURLs(_ context.Context, queue string, reqs []Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[queue] = append(s.pending[queue], reqs...)
	s.peak[queue] = max(s.peak[queue], len(s.pending[queue]))
	return nil
}

func (s *stepDelegator) QueueLength(queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[queue])
}

func (s *stepDelegator) Results(queue string, preserveOrder bool) []Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending[queue]
	if len(p) == 0 {
		return nil
	}
	n := s.rng.IntN(len(p) + 1)
	if !preserveOrder {
		s.rng.Shuffle(len(p), func(i, j int) { p[i], p[j] = p[j], p[i] })
	}
	out := make([]Response, n)
	for i, r := range p[:n] {
		out[i] = Response{URL: r.URL, Position: r.Position, Status: 200}
	}
	s.pending[queue] = p[n:]
	return out
}

func (s *stepDelegator) HaltAndWait(_ context.Context, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[queue] = nil
	s.halted = append(s.halted, queue)
	return nil
}

func urls(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://example.org/%d", i)
	}
	return out
}

func TestClientNeverExceedsBatchSize(t *testing.T) {
	for _, batch := range []int{1, 3, 10} {
		for _, n := range []int{0, 1, 7, 50} {
			t.Run(fmt.Sprintf("batch=%d/urls=%d", batch, n), func(t *testing.T) {
				d := newStepDelegator(uint64(batch*100 + n))
				c := NewClient(d, "q", WithBatchSize(batch), WithPollInterval(time.Microsecond))

				seen := map[int]bool{}
				for resp, err := range c.Fetch(context.Background(), urls(n)) {
					require.NoError(t, err)
					assert.False(t, seen[resp.Position], "duplicate response")
					seen[resp.Position] = true
				}

				assert.Len(t, seen, n)
				assert.LessOrEqual(t, d.peak["q"], batch)
			})
		}
	}
}

func TestClientPreservesOrder(t *testing.T) {
	d := newStepDelegator(7)
	c := NewClient(d, "q", WithBatchSize(4), WithPreserveOrder(true), WithPollInterval(time.Microsecond))

	var positions []int
	for resp, err := range c.Fetch(context.Background(), urls(20)) {
		require.NoError(t, err)
		positions = append(positions, resp.Position)
	}
	for i, p := range positions {
		assert.Equal(t, i, p)
	}
}

func TestClientStopsOnInterrupt(t *testing.T) {
	d := newStepDelegator(1)
	flag := &interrupt.Flag{}
	c := NewClient(d, "q", WithBatchSize(2), WithInterrupt(flag), WithPollInterval(time.Microsecond))

	got := 0
	var sig *interrupt.Signal
	for _, err := range c.Fetch(context.Background(), urls(30)) {
		if err != nil {
			require.True(t, errors.As(err, &sig))
			break
		}
		got++
		flag.Request(interrupt.Cancel)
	}

	require.NotNil(t, sig)
	assert.Equal(t, interrupt.Cancel, sig.Level)
	assert.Less(t, got, 30)
	assert.Contains(t, d.halted, "q")
	assert.Zero(t, d.QueueLength("q"))
}

func TestClientContextCancelIsRetry(t *testing.T) {
	d := newStepDelegator(2)
	c := NewClient(d, "q", WithPollInterval(time.Microsecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var got error
	for _, err := range c.Fetch(ctx, urls(5)) {
		got = err
		break
	}
	var sig *interrupt.Signal
	require.ErrorAs(t, got, &sig)
	assert.Equal(t, interrupt.Retry, sig.Level)
}

func TestClientBreakHaltsQueue(t *testing.T) {
	d := newStepDelegator(3)
	c := NewClient(d, "q", WithBatchSize(5), WithPollInterval(time.Microsecond))

	for _, err := range c.Fetch(context.Background(), urls(20)) {
		require.NoError(t, err)
		break
	}
	assert.Equal(t, []string{"q"}, d.halted)
}
