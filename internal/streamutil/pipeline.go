// Package streamutil carries streamed turns from the upstream reader to the
// downstream writer: a buffered pipeline with errgroup lifecycle plus stall
// detection for upstreams that stop sending mid-turn.
package streamutil

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Chunk is one unit of downstream-ready data. A Chunk carries either bytes
// or a terminal error, never both.
type Chunk struct {
	Data []byte
	Err  error
}

// Pipeline connects one producer goroutine (the upstream reader) to one
// consumer (the downstream writer) with cancellation tied to either side
// failing.
type Pipeline struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	output chan Chunk

	onComplete func(elapsed time.Duration)

	startTime time.Time
	closeOnce sync.Once
	closeErr  error
}

// NewPipeline creates a pipeline whose goroutines are cancelled when parent
// is. onComplete, if non-nil, runs once after all producers finish.
func NewPipeline(parent context.Context, bufferSize int, onComplete func(elapsed time.Duration)) *Pipeline {
	if bufferSize <= 0 {
		bufferSize = 128
	}
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	return &Pipeline{
		ctx:        gctx,
		cancel:     cancel,
		group:      g,
		output:     make(chan Chunk, bufferSize),
		onComplete: onComplete,
		startTime:  time.Now(),
	}
}

// Context returns the pipeline's context, cancelled when any producer fails.
func (p *Pipeline) Context() context.Context {
	return p.ctx
}

// Output returns the consumer side. The channel closes when all producers
// have finished.
func (p *Pipeline) Output() <-chan Chunk {
	return p.output
}

// Go starts a producer. A returned error cancels the whole pipeline.
func (p *Pipeline) Go(f func(ctx context.Context) error) {
	p.group.Go(func() error {
		return f(p.ctx)
	})
}

// Send delivers one chunk, or reports false when the pipeline is cancelled.
func (p *Pipeline) Send(chunk Chunk) bool {
	select {
	case p.output <- chunk:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// SendData delivers data bytes.
func (p *Pipeline) SendData(data []byte) bool {
	return p.Send(Chunk{Data: data})
}

// SendError delivers a terminal error.
func (p *Pipeline) SendError(err error) bool {
	return p.Send(Chunk{Err: err})
}

// Start closes the output channel in the background once all producers have
// returned, so the consumer can range over Output.
func (p *Pipeline) Start() {
	go func() {
		_ = p.Close()
	}()
}

// Close waits for producers, closes the output channel, and cancels the
// context. Safe to call more than once.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.group.Wait()
		close(p.output)
		if p.onComplete != nil {
			p.onComplete(time.Since(p.startTime))
		}
		p.cancel()
	})
	return p.closeErr
}

// Cancel aborts the pipeline immediately.
func (p *Pipeline) Cancel() {
	p.cancel()
}
