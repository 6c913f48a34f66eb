package service

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/Ashfaaq98/iocwatch/internal/ioc"
	"github.com/Ashfaaq98/iocwatch/internal/metrics"
	"github.com/Ashfaaq98/iocwatch/internal/store"
)

// DefaultWriterQueue is the number of pending store mutations buffered
// before submitters block.
const DefaultWriterQueue = 64

// ErrWriterClosed is returned for mutations submitted after Close.
var ErrWriterClosed = errors.New("store writer is closed")

type writeOp struct {
	name string
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Writer serializes every store mutation through one goroutine. Reads are
// passed straight to the store.
type Writer struct {
	store  *store.Store
	ops    chan writeOp
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewWriter starts the writer goroutine.
func NewWriter(st *store.Store, queue int, logger *zap.SugaredLogger) *Writer {
	if queue <= 0 {
		queue = DefaultWriterQueue
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	w := &Writer{
		store:  st,
		ops:    make(chan writeOp, queue),
		logger: logger.Named("writer"),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for op := range w.ops {
		err := op.fn(op.ctx)
		if err != nil && !errors.Is(err, store.ErrIOCNotFound) {
			metrics.StoreErrors.WithLabelValues(op.name).Inc()
			w.logger.Warnf("%s failed: %v", op.name, err)
		}
		op.done <- err
	}
}

// submit queues fn and waits for its result. Once queued, fn always runs to
// completion, even if ctx is cancelled meanwhile.
func (w *Writer) submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrWriterClosed
	}
	op := writeOp{name: name, ctx: context.WithoutCancel(ctx), fn: fn, done: make(chan error, 1)}
	select {
	case w.ops <- op:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()
	return <-op.done
}

// Close stops accepting mutations, drains the queue and waits for the
// writer goroutine to exit.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ops)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Writer) AddIOCs(ctx context.Context, iocs []ioc.IOC) (int, error) {
	var n int
	err := w.submit(ctx, "add_iocs", func(ctx context.Context) error {
		var err error
		n, err = w.store.AddIOCs(ctx, iocs)
		return err
	})
	return n, err
}

func (w *Writer) RecordMatch(ctx context.Context, m store.MatchInput) (int64, error) {
	var id int64
	err := w.submit(ctx, "record_match", func(ctx context.Context) error {
		var err error
		id, err = w.store.RecordMatch(ctx, m)
		return err
	})
	return id, err
}

func (w *Writer) CleanupOldIOCs(ctx context.Context) (int64, error) {
	var n int64
	err := w.submit(ctx, "cleanup", func(ctx context.Context) error {
		var err error
		n, err = w.store.CleanupOldIOCs(ctx)
		return err
	})
	return n, err
}

func (w *Writer) AddCycleAudit(ctx context.Context, entry store.CycleAudit) (string, error) {
	var id string
	err := w.submit(ctx, "cycle_audit", func(ctx context.Context) error {
		var err error
		id, err = w.store.AddCycleAudit(ctx, entry)
		return err
	})
	return id, err
}

// BulkLookup reads directly from the store.
func (w *Writer) BulkLookup(ctx context.Context, t ioc.Type, values []string) (map[string]store.LookupResult, error) {
	return w.store.BulkLookup(ctx, t, values)
}
