package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/alarm-engine/alarm"
)

const (
	DefaultInterval    = 15 * time.Minute
	DefaultConcurrency = 4
)

// Notifier is the external service that fires notifications.
type Notifier interface {
	Arm(ctx context.Context, alarmID alarm.ID, triggers []Trigger) error
	Cancel(ctx context.Context, ids []string) error
}

// Source lists the alarms to keep armed. *query.Layer satisfies it.
type Source interface {
	FetchAll(ctx context.Context) ([]alarm.Alarm, error)
}

// LogNotifier logs plans instead of arming anything.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notifier")}
}

func (n *LogNotifier) Arm(_ context.Context, id alarm.ID, triggers []Trigger) error {
	for _, t := range triggers {
		n.logger.Info("arm",
			zap.String("alarm_id", string(id)),
			zap.String("trigger", t.ID),
			zap.Int("hour", t.Hour),
			zap.Int("minute", t.Minute),
			zap.Int("weekday", int(t.Weekday)),
			zap.Bool("repeats", t.Repeats),
		)
	}
	return nil
}

func (n *LogNotifier) Cancel(_ context.Context, ids []string) error {
	if len(ids) > 0 {
		n.logger.Info("cancel", zap.Strings("triggers", ids))
	}
	return nil
}

// =============================================================================
// SERVICE
// =============================================================================

type Options struct {
	// Interval between full resyncs. Zero or less disables the loop.
	Interval    time.Duration
	Concurrency int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// SyncReport summarizes one resync.
type SyncReport struct {
	Alarms    int       `json:"alarms"`
	Armed     int       `json:"armed"`
	Cancelled int       `json:"cancelled"`
	Stale     int       `json:"stale"`
	Failed    int       `json:"failed"`
	Next      *Upcoming `json:"next,omitempty"`
	At        time.Time `json:"at"`
}

// Service keeps the notifier in step with the store. It implements
// query.Observer so single writes are applied as they commit, and resyncs
// everything after heavy writes and on every tick.
type Service struct {
	source   Source
	notifier Notifier
	opts     Options
	logger   *zap.Logger

	// armed holds the trigger IDs last armed per alarm, so alarms that
	// vanish between resyncs can still be cancelled.
	armedMu sync.Mutex
	armed   map[alarm.ID][]string

	mu     sync.Mutex
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(source Source, notifier Notifier, opts Options) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		source:   source,
		notifier: notifier,
		opts:     opts,
		logger:   opts.Logger.Named("scheduler"),
		armed:    make(map[alarm.ID][]string),
	}
}

// Apply hands p to the notifier: cancels first, then arms.
func (s *Service) Apply(ctx context.Context, p Plan) error {
	if len(p.Cancel) > 0 {
		if err := s.notifier.Cancel(ctx, p.Cancel); err != nil {
			return err
		}
	}
	if len(p.Arm) > 0 {
		if err := s.notifier.Arm(ctx, p.AlarmID, p.Arm); err != nil {
			return err
		}
	}
	s.track(p)
	return nil
}

func (s *Service) track(p Plan) {
	s.armedMu.Lock()
	defer s.armedMu.Unlock()
	if len(p.Arm) == 0 {
		delete(s.armed, p.AlarmID)
		return
	}
	ids := make([]string, len(p.Arm))
	for i, t := range p.Arm {
		ids[i] = t.ID
	}
	s.armed[p.AlarmID] = ids
}

// AlarmChanged re-plans one alarm. before is nil for an insert, after is nil
// for a delete.
func (s *Service) AlarmChanged(ctx context.Context, before, after *alarm.Alarm) {
	p := Reschedule(before, after)
	if p.Empty() {
		return
	}
	if err := s.Apply(ctx, p); err != nil {
		s.logger.Warn("notifier update failed", zap.String("alarm_id", string(p.AlarmID)), zap.Error(err))
	}
}

// AlarmDeleted cancels every trigger a can have armed.
func (s *Service) AlarmDeleted(ctx context.Context, a alarm.Alarm) {
	s.AlarmChanged(ctx, &a, nil)
}

// AlarmsReplaced resyncs everything after a heavy write.
func (s *Service) AlarmsReplaced(ctx context.Context) {
	if _, err := s.Sync(ctx); err != nil {
		s.logger.Warn("resync after bulk write failed", zap.Error(err))
	}
}

// Sync arms every enabled alarm, cancels every disabled one, cancels
// triggers an alarm no longer owns and cancels the triggers of alarms that
// no longer exist. Notifier calls fan out with
// bounded concurrency; the first notifier error is returned after all
// alarms were attempted.
func (s *Service) Sync(ctx context.Context) (SyncReport, error) {
	now := s.opts.Clock()
	report := SyncReport{At: now}

	alarms, err := s.source.FetchAll(ctx)
	if err != nil {
		return report, err
	}
	report.Alarms = len(alarms)

	present := make(map[alarm.ID]bool, len(alarms))
	for _, a := range alarms {
		present[a.ID] = true
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.opts.Concurrency)
	for _, a := range alarms {
		a := a
		g.Go(func() error {
			err := s.Apply(ctx, s.syncPlan(a))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				s.logger.Warn("sync alarm failed", zap.String("alarm_id", string(a.ID)), zap.Error(err))
			case a.Enabled:
				report.Armed++
			default:
				report.Cancelled++
			}
			return err
		})
	}
	syncErr := g.Wait()

	for id, ids := range s.staleTriggers(present) {
		if err := s.Apply(ctx, Plan{AlarmID: id, Cancel: ids}); err != nil {
			report.Failed++
			syncErr = errors.Join(syncErr, err)
			continue
		}
		report.Stale++
	}

	if next, ok := NextAcross(alarms, now); ok {
		report.Next = &next
	}
	s.logger.Info("resync complete",
		zap.Int("alarms", report.Alarms),
		zap.Int("armed", report.Armed),
		zap.Int("cancelled", report.Cancelled),
		zap.Int("stale", report.Stale),
		zap.Int("failed", report.Failed),
	)
	return report, syncErr
}

// syncPlan arms what a owns now and cancels what was armed for it earlier
// but is no longer owned, so rule edits that only reach the scheduler
// through a resync leave nothing behind.
func (s *Service) syncPlan(a alarm.Alarm) Plan {
	p := Plan{AlarmID: a.ID}
	if a.Enabled {
		p.Arm = ArmPlan(a)
	} else {
		p.Cancel = CancelIDs(a)
	}

	keep := make(map[string]bool, len(p.Arm)+len(p.Cancel))
	for _, t := range p.Arm {
		keep[t.ID] = true
	}
	for _, id := range p.Cancel {
		keep[id] = true
	}

	s.armedMu.Lock()
	defer s.armedMu.Unlock()
	for _, id := range s.armed[a.ID] {
		if !keep[id] {
			p.Cancel = append(p.Cancel, id)
		}
	}
	return p
}

func (s *Service) staleTriggers(present map[alarm.ID]bool) map[alarm.ID][]string {
	s.armedMu.Lock()
	defer s.armedMu.Unlock()
	stale := make(map[alarm.ID][]string)
	for id, ids := range s.armed {
		if !present[id] {
			stale[id] = ids
		}
	}
	return stale
}

// Armed reports how many alarms currently have triggers armed.
func (s *Service) Armed() int {
	s.armedMu.Lock()
	defer s.armedMu.Unlock()
	return len(s.armed)
}

// Next returns the earliest upcoming firing across all enabled alarms.
func (s *Service) Next(ctx context.Context) (Upcoming, bool, error) {
	alarms, err := s.source.FetchAll(ctx)
	if err != nil {
		return Upcoming{}, false, err
	}
	u, ok := NextAcross(alarms, s.opts.Clock())
	return u, ok, nil
}

// =============================================================================
// RESYNC LOOP
// =============================================================================

// Start runs a resync now and then every Interval until Stop.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.Interval <= 0 {
		s.logger.Info("resync loop disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.opts.Interval)
	s.wg.Add(1)
	go s.run(ctx, s.ticker, s.stop)

	s.logger.Info("resync loop started", zap.Duration("interval", s.opts.Interval))
}

// Stop ends the loop and waits for an in-flight resync.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("resync loop stopped")
}

func (s *Service) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.resync(ctx)
	for {
		select {
		case <-ticker.C:
			s.resync(ctx)
		case <-stop:
			return
		}
	}
}

func (s *Service) resync(ctx context.Context) {
	if _, err := s.Sync(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("resync failed", zap.Error(err))
	}
}
