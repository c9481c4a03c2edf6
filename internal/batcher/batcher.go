// Package batcher coalesces concurrent single-item requests into batched
// calls of a batch-capable function.
//
// A Coalescer owns one goroutine that holds the pending buffer and the
// latency timer. Callers talk to it only through channels. A batch is
// dispatched when it reaches MaxBatchSize or when MaxLatency has elapsed
// since its first item arrived, whichever comes first. Each caller receives
// exactly the output at its own position, or the batch-level error.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/face-recognizer/internal/logger"
)

const (
	DefaultMaxBatchSize = 16
	DefaultMaxLatency   = 300 * time.Millisecond
	DefaultMaxInFlight  = 4
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("coalescer closed")
	// ErrDispatch matches every batch-level failure delivered to callers.
	ErrDispatch = errors.New("batch dispatch failed")
)

// DispatchError is delivered to every caller of a failed batch.
type DispatchError struct {
	Name      string
	BatchSize int
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: batch of %d: %v", e.Name, e.BatchSize, e.Err)
}

// Unwrap lets errors.Is match both ErrDispatch and the underlying cause.
func (e *DispatchError) Unwrap() []error {
	return []error{ErrDispatch, e.Err}
}

// BatchFunc processes a batch. It must return exactly one output per input,
// in input order, or an error for the whole batch.
type BatchFunc[In, Out any] func(ctx context.Context, inputs []In) ([]Out, error)

// Config bounds batch formation.
type Config struct {
	Name         string
	MaxBatchSize int
	MaxLatency   time.Duration
	// MaxInFlight bounds concurrently executing batches. A closed batch
	// waits for a free slot, so with more than MaxInFlight batches pending
	// a caller waits MaxLatency plus the inferences queued ahead of it.
	MaxInFlight int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "batcher"
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxLatency <= 0 {
		c.MaxLatency = DefaultMaxLatency
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	return c
}

// Stats are cumulative counters.
type Stats struct {
	Batches      int64
	Items        int64
	FailedBatch  int64
	SizeTriggers int64
	TimeTriggers int64
}

type result[Out any] struct {
	out Out
	err error
}

type request[In, Out any] struct {
	in    In
	reply chan result[Out] // buffered, written exactly once
}

// Coalescer batches Submit calls for a single BatchFunc.
type Coalescer[In, Out any] struct {
	cfg Config
	fn  BatchFunc[In, Out]

	submit   chan *request[In, Out]
	closing  chan struct{}
	done     chan struct{}
	closeMu  sync.Once
	sem      chan struct{}
	inflight sync.WaitGroup

	batches      atomic.Int64
	items        atomic.Int64
	failed       atomic.Int64
	sizeTriggers atomic.Int64
	timeTriggers atomic.Int64
}

// New starts a coalescer. Close must be called to release its goroutine.
func New[In, Out any](cfg Config, fn BatchFunc[In, Out]) *Coalescer[In, Out] {
	cfg = cfg.withDefaults()
	c := &Coalescer[In, Out]{
		cfg:     cfg,
		fn:      fn,
		submit:  make(chan *request[In, Out]),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		sem:     make(chan struct{}, cfg.MaxInFlight),
	}
	go c.run()
	return c
}

// Config returns the effective configuration.
func (c *Coalescer[In, Out]) Config() Config {
	return c.cfg
}

// Submit enqueues one input and waits for its output.
//
// If ctx ends first the caller stops waiting and gets ctx.Err(); the item
// still rides its batch and its output is discarded.
func (c *Coalescer[In, Out]) Submit(ctx context.Context, in In) (Out, error) {
	var zero Out
	req := &request[In, Out]{in: in, reply: make(chan result[Out], 1)}

	select {
	case c.submit <- req:
	case <-c.closing:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r.out, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// SubmitAll submits every input concurrently so they can share batches and
// returns outputs and errors by position.
func (c *Coalescer[In, Out]) SubmitAll(ctx context.Context, inputs []In) ([]Out, []error) {
	outs := make([]Out, len(inputs))
	errs := make([]error, len(inputs))
	var wg sync.WaitGroup
	for i := range inputs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = c.Submit(ctx, inputs[i])
		}(i)
	}
	wg.Wait()
	return outs, errs
}

// Close dispatches whatever is pending, waits for in-flight batches and
// stops the owner goroutine. It is safe to call more than once.
func (c *Coalescer[In, Out]) Close() {
	c.closeMu.Do(func() { close(c.closing) })
	<-c.done
}

// Stats returns a snapshot of the counters.
func (c *Coalescer[In, Out]) Stats() Stats {
	return Stats{
		Batches:      c.batches.Load(),
		Items:        c.items.Load(),
		FailedBatch:  c.failed.Load(),
		SizeTriggers: c.sizeTriggers.Load(),
		TimeTriggers: c.timeTriggers.Load(),
	}
}

func (c *Coalescer[In, Out]) run() {
	defer close(c.done)

	pending := make([]*request[In, Out], 0, c.cfg.MaxBatchSize)
	timer := time.NewTimer(c.cfg.MaxLatency)
	timer.Stop()
	var timerC <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		timer.Stop()
		timerC = nil
		batch := pending
		pending = make([]*request[In, Out], 0, c.cfg.MaxBatchSize)
		c.dispatch(batch)
	}

	for {
		select {
		case req := <-c.submit:
			pending = append(pending, req)
			if len(pending) == 1 {
				timer.Reset(c.cfg.MaxLatency)
				timerC = timer.C
			}
			if len(pending) >= c.cfg.MaxBatchSize {
				c.sizeTriggers.Add(1)
				flush()
			}
		case <-timerC:
			timerC = nil
			c.timeTriggers.Add(1)
			flush()
		case <-c.closing:
			flush()
			c.inflight.Wait()
			return
		}
	}
}

// dispatch runs one batch on its own goroutine so the owner can keep
// forming the next batch.
func (c *Coalescer[In, Out]) dispatch(batch []*request[In, Out]) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.sem <- struct{}{}
		defer func() { <-c.sem }()

		inputs := make([]In, len(batch))
		for i, r := range batch {
			inputs[i] = r.in
		}

		start := time.Now()
		outs, err := c.call(inputs)
		if err == nil && len(outs) != len(batch) {
			err = fmt.Errorf("batch function returned %d outputs for %d inputs", len(outs), len(batch))
		}
		c.batches.Add(1)
		c.items.Add(int64(len(batch)))

		if err != nil {
			c.failed.Add(1)
			logger.Error(logger.Fields{
				"batcher": c.cfg.Name,
				"size":    len(batch),
				"error":   err.Error(),
			}, "batch dispatch failed")
			derr := &DispatchError{Name: c.cfg.Name, BatchSize: len(batch), Err: err}
			for _, r := range batch {
				r.reply <- result[Out]{err: derr}
			}
			return
		}

		logger.Debug(logger.Fields{
			"batcher":  c.cfg.Name,
			"size":     len(batch),
			"duration": time.Since(start).String(),
		}, "batch dispatched")
		for i, r := range batch {
			r.reply <- result[Out]{out: outs[i]}
		}
	}()
}

func (c *Coalescer[In, Out]) call(inputs []In) (outs []Out, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("batch function panicked: %v", p)
		}
	}()
	return c.fn(context.Background(), inputs)
}
