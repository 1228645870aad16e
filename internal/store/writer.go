package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"rallylink/coordinator/internal/logging"
)

const defaultQueueDepth = 256

type opKind int

const (
	opSave opKind = iota
	opDelete
)

type pendingOp struct {
	op     opKind
	kind   Kind
	id     string
	record any
}

// WriterOption configures optional AsyncWriter behaviour.
type WriterOption func(*AsyncWriter)

// WithWriterLogger injects a logger for persistence diagnostics.
func WithWriterLogger(logger *logging.Logger) WriterOption {
	return func(w *AsyncWriter) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithWriterQueueDepth overrides the pending operation buffer size.
func WithWriterQueueDepth(depth int) WriterOption {
	return func(w *AsyncWriter) {
		if depth > 0 {
			w.queue = make(chan pendingOp, depth)
		}
	}
}

// WithWriterBackoff overrides the retry policy factory, primarily for tests.
func WithWriterBackoff(factory func() backoff.BackOff) WriterOption {
	return func(w *AsyncWriter) {
		if factory != nil {
			w.backoffFactory = factory
		}
	}
}

// AsyncWriter decouples in-memory state changes from persistence latency: the
// registry and session store enqueue operations after releasing their locks,
// and a single goroutine applies them to the backing Store with retries.
//
// Ordering is FIFO per writer, so a delete enqueued before an in-memory drop
// reaches the store before any later save of the same id.
type AsyncWriter struct {
	backend        Store
	logger         *logging.Logger
	backoffFactory func() backoff.BackOff

	queue  chan pendingOp
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewAsyncWriter starts the persistence goroutine over the supplied backend.
func NewAsyncWriter(backend Store, opts ...WriterOption) *AsyncWriter {
	writer := &AsyncWriter{
		backend: backend,
		logger:  logging.L(),
		backoffFactory: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = 100 * time.Millisecond
			policy.MaxElapsedTime = 10 * time.Second
			return policy
		},
		queue:  make(chan pendingOp, defaultQueueDepth),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(writer)
		}
	}
	go writer.loop()
	return writer
}

// Save enqueues a persistence write. The call never blocks the caller's lock
// path; when the queue is saturated the operation is dropped with a log entry
// and memory remains authoritative.
func (w *AsyncWriter) Save(_ context.Context, kind Kind, id string, record any) error {
	return w.enqueue(pendingOp{op: opSave, kind: kind, id: id, record: record})
}

// Delete enqueues a persistence delete with the same non-blocking semantics.
func (w *AsyncWriter) Delete(_ context.Context, kind Kind, id string) error {
	return w.enqueue(pendingOp{op: opDelete, kind: kind, id: id})
}

func (w *AsyncWriter) enqueue(op pendingOp) error {
	if w == nil || w.backend == nil {
		return nil
	}
	select {
	case w.queue <- op:
	default:
		w.logger.Error("persistence queue saturated, dropping operation",
			logging.String("kind", string(op.kind)),
			logging.String("id", op.id))
	}
	return nil
}

func (w *AsyncWriter) loop() {
	defer close(w.doneCh)
	for {
		select {
		case op := <-w.queue:
			w.apply(op)
		case <-w.stopCh:
			//1.- Drain whatever is still queued so shutdown does not lose writes.
			for {
				select {
				case op := <-w.queue:
					w.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (w *AsyncWriter) apply(op pendingOp) {
	ctx := context.Background()
	attempt := func() error {
		switch op.op {
		case opDelete:
			return w.backend.Delete(ctx, op.kind, op.id)
		default:
			return w.backend.Save(ctx, op.kind, op.id, op.record)
		}
	}
	if err := backoff.Retry(attempt, w.backoffFactory()); err != nil {
		//2.- Persistence failure never propagates to the in-memory path; the
		// record simply stays memory-only until the next write succeeds.
		w.logger.Error("persistence operation failed after retries",
			logging.String("kind", string(op.kind)),
			logging.String("id", op.id),
			logging.Error(err))
	}
}

// Close stops the persistence goroutine after draining pending operations.
func (w *AsyncWriter) Close() error {
	if w == nil {
		return nil
	}
	close(w.stopCh)
	<-w.doneCh
	return nil
}
