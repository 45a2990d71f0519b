/*
Package query is the access layer the rest of the engine reads and writes
through.

PURPOSE:
  Cached reads on top of an alarm.TxStore, write-through invalidation,
  heavy operations with their own commit point, and a debounced batch queue.

READ PATH:
  FetchAlarms / FetchTemplates / Count* / Get* go through cache.Fetch with a
  structured key. Every write invalidates the kinds it touched after its
  commit, so a read that follows a write never sees pre-write data.

WRITE PATHS:
  Single writes:  one store call, atomic on its own
  RunHeavy:       Op.Apply inside WithTx, detached from caller cancellation,
                  bounded by HeavyTimeout
  Enqueue:        Batcher coalesces ops into one RunHeavy call

KIND RULES:
  Alarm writes invalidate KindAlarms. Template writes invalidate both kinds:
  alarms are filtered by their template's scenario, and deleting a template
  clears references on alarms.

SEE ALSO:
  - query/batch.go: Debounced batch queue
  - query/surface.go: Read shapes used by the UI and the HTTP API
*/
package query

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/alarm-engine/alarm"
	"github.com/warp/alarm-engine/cache"
)

const (
	DefaultHeavyTimeout = 30 * time.Second
	DefaultDebounce     = 500 * time.Millisecond
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 100 * time.Millisecond
)

// Op is a unit of work run inside one transaction. Kinds lists the cache
// kinds its commit invalidates.
type Op struct {
	Name  string
	Kinds []cache.Kind
	Apply func(ctx context.Context, s alarm.Store) error
}

// Observer hears about committed alarm changes. before is nil for an
// insert, after is nil for a delete. AlarmsReplaced follows heavy writes
// that may have touched any number of alarms.
type Observer interface {
	AlarmChanged(ctx context.Context, before, after *alarm.Alarm)
	AlarmsReplaced(ctx context.Context)
}

type Options struct {
	HeavyTimeout time.Duration
	Debounce     time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	// OnBatchError receives the final error of a batch that could not be
	// committed after retries.
	OnBatchError func(error)
	Logger       *zap.Logger
	Clock        func() time.Time
}

type Layer struct {
	store    alarm.TxStore
	cache    *cache.Cache
	batch    *Batcher
	opts     Options
	logger   *zap.Logger
	observer Observer
}

func NewLayer(store alarm.TxStore, c *cache.Cache, opts Options) *Layer {
	if c == nil {
		c = cache.New(nil, cache.Options{})
	}
	if opts.HeavyTimeout <= 0 {
		opts.HeavyTimeout = DefaultHeavyTimeout
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	l := &Layer{
		store:  store,
		cache:  c,
		opts:   opts,
		logger: opts.Logger.Named("query"),
	}
	l.batch = newBatcher(l.RunHeavy, opts, l.logger)
	return l
}

// SetObserver registers o for committed alarm changes. Call before serving.
func (l *Layer) SetObserver(o Observer) { l.observer = o }

func (l *Layer) Store() alarm.TxStore { return l.store }

// =============================================================================
// CACHED READS
// =============================================================================

func (l *Layer) FetchAlarms(ctx context.Context, q alarm.Query) ([]alarm.Alarm, error) {
	return cache.Fetch(ctx, l.cache, cache.QueryKey(cache.KindAlarms, "fetch", q),
		func(ctx context.Context) ([]alarm.Alarm, error) { return l.store.FetchAlarms(ctx, q) })
}

func (l *Layer) FetchTemplates(ctx context.Context, q alarm.Query) ([]alarm.Template, error) {
	return cache.Fetch(ctx, l.cache, cache.QueryKey(cache.KindTemplates, "fetch", q),
		func(ctx context.Context) ([]alarm.Template, error) { return l.store.FetchTemplates(ctx, q) })
}

func (l *Layer) CountAlarms(ctx context.Context, f alarm.Filter) (int, error) {
	return cache.Fetch(ctx, l.cache, cache.QueryKey(cache.KindAlarms, "count", alarm.Query{Filter: f}),
		func(ctx context.Context) (int, error) { return l.store.CountAlarms(ctx, f) })
}

func (l *Layer) CountTemplates(ctx context.Context, f alarm.Filter) (int, error) {
	return cache.Fetch(ctx, l.cache, cache.QueryKey(cache.KindTemplates, "count", alarm.Query{Filter: f}),
		func(ctx context.Context) (int, error) { return l.store.CountTemplates(ctx, f) })
}

func (l *Layer) GetAlarm(ctx context.Context, id alarm.ID) (alarm.Alarm, error) {
	return cache.Fetch(ctx, l.cache, cache.IDKey(cache.KindAlarms, id),
		func(ctx context.Context) (alarm.Alarm, error) { return l.store.GetAlarm(ctx, id) })
}

func (l *Layer) GetTemplate(ctx context.Context, id alarm.ID) (alarm.Template, error) {
	return cache.Fetch(ctx, l.cache, cache.IDKey(cache.KindTemplates, id),
		func(ctx context.Context) (alarm.Template, error) { return l.store.GetTemplate(ctx, id) })
}

// =============================================================================
// INVALIDATION & MAINTENANCE
// =============================================================================

func (l *Layer) Invalidate(ctx context.Context, kinds ...cache.Kind) {
	l.cache.Invalidate(ctx, kinds...)
}

func (l *Layer) InvalidateAll(ctx context.Context) error {
	return l.cache.InvalidateAll(ctx)
}

func (l *Layer) CacheStats(ctx context.Context) cache.Stats {
	return l.cache.Stats(ctx)
}

type OptimizeReport struct {
	Purged  int `json:"purged"`
	Flushed int `json:"flushed"`
}

// Optimize purges expired cache entries and flushes the pending batch.
func (l *Layer) Optimize(ctx context.Context) (OptimizeReport, error) {
	var report OptimizeReport
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := l.cache.Purge(gctx)
		report.Purged = n
		return err
	})
	g.Go(func() error {
		n, err := l.batch.Flush(gctx)
		report.Flushed = n
		return err
	})
	err := g.Wait()
	l.logger.Info("optimize finished",
		zap.Int("purged", report.Purged), zap.Int("flushed", report.Flushed), zap.Error(err))
	return report, err
}

// Close flushes the batch queue and stops accepting ops.
func (l *Layer) Close(ctx context.Context) error {
	return l.batch.Close(ctx)
}

// =============================================================================
// HEAVY OPERATIONS
// =============================================================================

// RunHeavy runs op in its own transaction and returns once it has committed
// or failed. Cancelling ctx does not abort the op; HeavyTimeout does, and
// reports alarm.ErrTimeout.
func (l *Layer) RunHeavy(ctx context.Context, op Op) error {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.HeavyTimeout)
	defer cancel()

	start := l.opts.Clock()
	done := make(chan error, 1)
	go func() {
		done <- l.store.WithTx(hctx, func(tx alarm.Store) error { return op.Apply(hctx, tx) })
	}()

	var err error
	timedOut := false
	select {
	case err = <-done:
		timedOut = err != nil && hctx.Err() != nil
	case <-hctx.Done():
		timedOut = true
	}
	if timedOut {
		err = fmt.Errorf("%w: %s after %s", alarm.ErrTimeout, op.Name, l.opts.HeavyTimeout)
	}

	// A timed-out op may have committed just before the deadline.
	if err == nil || timedOut {
		l.afterCommit(ctx, op.Kinds)
	}
	if err != nil {
		l.logger.Warn("heavy op failed", zap.String("op", op.Name), zap.Error(err),
			zap.Duration("elapsed", l.opts.Clock().Sub(start)))
		return err
	}
	l.logger.Debug("heavy op committed", zap.String("op", op.Name),
		zap.Duration("elapsed", l.opts.Clock().Sub(start)))
	return nil
}

func (l *Layer) afterCommit(ctx context.Context, kinds []cache.Kind) {
	l.cache.Invalidate(ctx, kinds...)
	if l.observer != nil && slices.Contains(kinds, cache.KindAlarms) {
		l.observer.AlarmsReplaced(ctx)
	}
}

// Enqueue adds op to the batch queue. It runs with the other queued ops
// once the debounce delay passes without a new enqueue.
func (l *Layer) Enqueue(op Op) error {
	return l.batch.Enqueue(op)
}

// PendingOps reports how many ops wait in the batch queue.
func (l *Layer) PendingOps() int { return l.batch.Pending() }

// FlushBatch runs the queued ops now.
func (l *Layer) FlushBatch(ctx context.Context) (int, error) { return l.batch.Flush(ctx) }

func (l *Layer) BulkInsertAlarms(ctx context.Context, alarms []*alarm.Alarm) error {
	return l.RunHeavy(ctx, Op{
		Name:  fmt.Sprintf("bulk-insert(%d)", len(alarms)),
		Kinds: []cache.Kind{cache.KindAlarms},
		Apply: func(ctx context.Context, s alarm.Store) error {
			for _, a := range alarms {
				if err := s.InsertAlarm(ctx, a); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

func (l *Layer) BulkDeleteAlarms(ctx context.Context, ids []alarm.ID) error {
	return l.RunHeavy(ctx, Op{
		Name:  fmt.Sprintf("bulk-delete(%d)", len(ids)),
		Kinds: []cache.Kind{cache.KindAlarms},
		Apply: func(ctx context.Context, s alarm.Store) error {
			for _, id := range ids {
				if err := s.DeleteAlarm(ctx, id); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

func (l *Layer) BulkSetEnabled(ctx context.Context, ids []alarm.ID, enabled bool) error {
	return l.RunHeavy(ctx, Op{
		Name:  fmt.Sprintf("bulk-set-enabled(%d,%t)", len(ids), enabled),
		Kinds: []cache.Kind{cache.KindAlarms},
		Apply: func(ctx context.Context, s alarm.Store) error {
			for _, id := range ids {
				if err := setEnabled(ctx, s, id, enabled); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

// SetEnabledOp toggles one alarm; suitable for Enqueue.
func SetEnabledOp(id alarm.ID, enabled bool) Op {
	return Op{
		Name:  fmt.Sprintf("set-enabled(%s,%t)", id, enabled),
		Kinds: []cache.Kind{cache.KindAlarms},
		Apply: func(ctx context.Context, s alarm.Store) error { return setEnabled(ctx, s, id, enabled) },
	}
}

func setEnabled(ctx context.Context, s alarm.Store, id alarm.ID, enabled bool) error {
	a, err := s.GetAlarm(ctx, id)
	if err != nil {
		return err
	}
	a.Enabled = enabled
	return s.UpdateAlarm(ctx, &a)
}
