package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/alarm-engine/alarm"
	"github.com/warp/alarm-engine/cache"
)

var errBatcherClosed = errors.New("batch queue closed")

// Batcher coalesces ops enqueued within the debounce window into a single
// heavy transaction. Every enqueue restarts the window. At most one flush
// runs at a time.
type Batcher struct {
	run        func(context.Context, Op) error
	debounce   time.Duration
	maxRetries int
	backoff    time.Duration
	onError    func(error)
	logger     *zap.Logger

	mu      sync.Mutex
	pending []Op
	timer   *time.Timer
	closed  bool

	flushMu sync.Mutex
}

func newBatcher(run func(context.Context, Op) error, opts Options, logger *zap.Logger) *Batcher {
	return &Batcher{
		run:        run,
		debounce:   opts.Debounce,
		maxRetries: opts.MaxRetries,
		backoff:    opts.RetryBackoff,
		onError:    opts.OnBatchError,
		logger:     logger.Named("batch"),
	}
}

func (b *Batcher) Enqueue(op Op) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: enqueue %s: %w", alarm.ErrBatchFailed, op.Name, errBatcherClosed)
	}
	b.pending = append(b.pending, op)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.debounce, b.fire)
	} else {
		b.timer.Reset(b.debounce)
	}
	return nil
}

func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Batcher) fire() {
	// Errors are reported through onError and the log.
	_, _ = b.Flush(context.Background())
}

// Flush runs every pending op in one transaction and returns how many ran.
func (b *Batcher) Flush(ctx context.Context) (int, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	ops := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if len(ops) == 0 {
		return 0, nil
	}

	batch := combine(ops)
	err := Retry(ctx, b.maxRetries, b.backoff, func() error { return b.run(ctx, batch) })
	if err != nil {
		err = fmt.Errorf("%w: %d ops: %w", alarm.ErrBatchFailed, len(ops), err)
		b.logger.Error("batch failed", zap.Int("ops", len(ops)), zap.Error(err))
		if b.onError != nil {
			b.onError(err)
		}
		return len(ops), err
	}
	b.logger.Debug("batch committed", zap.Int("ops", len(ops)))
	return len(ops), nil
}

// Close flushes what is pending and rejects later enqueues.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	_, err := b.Flush(ctx)
	return err
}

// combine merges ops into one that applies them in order.
func combine(ops []Op) Op {
	names := make([]string, 0, len(ops))
	seen := make(map[cache.Kind]bool)
	var kinds []cache.Kind
	for _, op := range ops {
		names = append(names, op.Name)
		for _, k := range op.Kinds {
			if !seen[k] {
				seen[k] = true
				kinds = append(kinds, k)
			}
		}
	}
	return Op{
		Name:  "batch[" + strings.Join(names, ",") + "]",
		Kinds: kinds,
		Apply: func(ctx context.Context, s alarm.Store) error {
			for _, op := range ops {
				if err := op.Apply(ctx, s); err != nil {
					return fmt.Errorf("%s: %w", op.Name, err)
				}
			}
			return nil
		},
	}
}

// Retry calls fn until it succeeds, fails with a non-retryable error, or
// has been retried attempts times. The wait grows linearly with backoff.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 0; ; i++ {
		if err = fn(); err == nil || !alarm.IsRetryable(err) || i >= attempts {
			return err
		}
		t := time.NewTimer(backoff * time.Duration(i+1))
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w (gave up: %v)", err, ctx.Err())
		case <-t.C:
		}
	}
}
