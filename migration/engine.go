/*
Package migration moves data from the legacy blob and the template catalog
into the structured store.

STATE MACHINE:
  Legacy:   NotNeeded -> FullInit -> Validated -> Cleaned
  Catalog:  NotNeeded -> FullInit -> Validated          (store has no templates)
            NotNeeded -> IncrementalDiff -> IncrementalApply
  Any step may end in Failed; nothing from a failed run is visible.

LEGACY RULES:
  - The blob's existence is the only "migration due" signal. It is deleted
    only after the migrated rows are committed and counted.
  - Records convert independently. A bad record is reported in
    Result.Failures and skipped; the rest still migrate.
  - All inserts share one heavy transaction, so a storage failure leaves
    the store as it was and the blob in place for the next launch.
  - Embedded templates are resolved by (name, scenario): an existing
    template is reused, otherwise one is created once per run.

CATALOG RULES:
  Additive only. Existing templates are never updated or deleted.
*/
package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/alarm-engine/alarm"
	"github.com/warp/alarm-engine/cache"
	"github.com/warp/alarm-engine/factory"
	"github.com/warp/alarm-engine/query"
)

type State string

const (
	StateNotNeeded        State = "not_needed"
	StateFullInit         State = "full_init"
	StateValidated        State = "validated"
	StateCleaned          State = "cleaned"
	StateIncrementalDiff  State = "incremental_diff"
	StateIncrementalApply State = "incremental_apply"
	StateFailed           State = "failed"
)

// Target is where migrated entities are written. *query.Layer satisfies it.
type Target interface {
	RunHeavy(ctx context.Context, op query.Op) error
	CountAlarms(ctx context.Context, f alarm.Filter) (int, error)
	CountTemplates(ctx context.Context, f alarm.Filter) (int, error)
	FetchTemplates(ctx context.Context, q alarm.Query) ([]alarm.Template, error)
}

// RecordFailure is one input record that could not be migrated.
type RecordFailure struct {
	Index    int    `json:"index"`
	// LegacyID is the record's id, or group[index] for catalog entries.
	LegacyID string `json:"legacy_id,omitempty"`
	Err      error  `json:"-"`
	Reason   string `json:"reason"`
}

// Result accumulates the outcome of one run.
type Result struct {
	State            State           `json:"state"`
	Transitions      []State         `json:"transitions"`
	Records          int             `json:"records"`
	Migrated         []alarm.ID      `json:"migrated,omitempty"`
	Failures         []RecordFailure `json:"failures,omitempty"`
	TemplatesCreated int             `json:"templates_created"`
	TemplatesReused  int             `json:"templates_reused"`
}

func newResult() *Result {
	return &Result{State: StateNotNeeded, Transitions: []State{StateNotNeeded}}
}

func (r *Result) enter(s State) {
	r.State = s
	r.Transitions = append(r.Transitions, s)
}

func (r *Result) fail(index int, legacyID string, err error) {
	r.Failures = append(r.Failures, RecordFailure{Index: index, LegacyID: legacyID, Err: err, Reason: alarm.Describe(err)})
}

// SuccessRate is the migrated share of input records, 1 when there were none.
func (r *Result) SuccessRate() decimal.Decimal {
	if r.Records == 0 {
		return decimal.NewFromInt(1)
	}
	ok := r.Records - len(r.Failures)
	return decimal.NewFromInt(int64(ok)).DivRound(decimal.NewFromInt(int64(r.Records)), 4)
}

type Engine struct {
	target  Target
	source  LegacySource
	factory *factory.Factory
	logger  *zap.Logger
}

func NewEngine(target Target, source LegacySource, f *factory.Factory, logger *zap.Logger) *Engine {
	if f == nil {
		f = factory.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{target: target, source: source, factory: f, logger: logger.Named("migration")}
}

// abort moves res to Failed and wraps err with the state it failed in.
func (e *Engine) abort(res *Result, err error) (*Result, error) {
	from := res.State
	res.enter(StateFailed)
	e.logger.Error("migration failed", zap.String("state", string(from)), zap.Error(err))
	return res, &alarm.MigrationError{State: string(from), Err: err}
}

// =============================================================================
// LEGACY MIGRATION
// =============================================================================

type converted struct {
	index    int
	alarm    alarm.Alarm
	template *alarm.Template
}

// MigrateLegacy imports the legacy blob if it is still present.
func (e *Engine) MigrateLegacy(ctx context.Context) (*Result, error) {
	res := newResult()
	if e.source == nil {
		return res, nil
	}

	exists, err := e.source.Exists(ctx)
	if err != nil {
		return e.abort(res, err)
	}
	if !exists {
		e.logger.Debug("no legacy data", zap.Stringer("source", e.source))
		return res, nil
	}

	res.enter(StateFullInit)
	data, err := e.source.Load(ctx)
	if err != nil {
		return e.abort(res, err)
	}
	records, err := factory.DecodeLegacy(data)
	if err != nil {
		return e.abort(res, err)
	}
	res.Records = len(records)

	batch := e.convert(records, res)

	var (
		migrated       []alarm.ID
		storeFailures  []RecordFailure
		created, reuse int
	)
	err = e.target.RunHeavy(ctx, query.Op{
		Name:  "legacy-migration",
		Kinds: []cache.Kind{cache.KindAlarms, cache.KindTemplates},
		Apply: func(ctx context.Context, s alarm.Store) error {
			migrated, storeFailures, created, reuse = nil, nil, 0, 0
			resolved := make(map[alarm.TemplateKey]alarm.ID)
			reused := make(map[alarm.TemplateKey]bool)

			for _, c := range batch {
				if _, err := s.GetAlarm(ctx, c.alarm.ID); err == nil {
					storeFailures = append(storeFailures, RecordFailure{
						Index: c.index, LegacyID: string(c.alarm.ID),
						Err: fmt.Errorf("alarm %s: %w", c.alarm.ID, alarm.ErrDuplicateID),
					})
					continue
				} else if !errors.Is(err, alarm.ErrNotFound) {
					return err
				}

				a := c.alarm
				if c.template != nil {
					id, isNew, err := resolveTemplate(ctx, s, *c.template, resolved)
					if err != nil {
						return err
					}
					if isNew {
						created++
					} else if !reused[c.template.Key()] {
						reused[c.template.Key()] = true
						reuse++
					}
					a.TemplateID = id
				}
				if err := s.InsertAlarm(ctx, &a); err != nil {
					return err
				}
				migrated = append(migrated, a.ID)
			}
			return nil
		},
	})
	if err != nil {
		return e.abort(res, err)
	}
	for _, f := range storeFailures {
		res.fail(f.Index, f.LegacyID, f.Err)
	}
	res.Migrated = migrated
	res.TemplatesCreated = created
	res.TemplatesReused = reuse

	n, err := e.target.CountAlarms(ctx, alarm.Filter{})
	if err != nil {
		return e.abort(res, err)
	}
	if n < len(migrated) {
		return e.abort(res, fmt.Errorf("%w: %d alarms stored after migrating %d", alarm.ErrDataCorruption, n, len(migrated)))
	}
	res.enter(StateValidated)

	if err := e.source.Delete(ctx); err != nil {
		e.logger.Error("legacy blob not removed", zap.Stringer("source", e.source), zap.Error(err))
		return res, err
	}
	res.enter(StateCleaned)

	e.logger.Info("legacy migration complete",
		zap.Int("records", res.Records),
		zap.Int("migrated", len(res.Migrated)),
		zap.Int("failures", len(res.Failures)),
		zap.Int("templates_created", res.TemplatesCreated),
		zap.Int("templates_reused", res.TemplatesReused),
		zap.String("success_rate", res.SuccessRate().String()),
	)
	return res, nil
}

// convert turns records into alarms, reporting and skipping bad ones.
func (e *Engine) convert(records []factory.LegacyRecord, res *Result) []converted {
	var out []converted
	seen := make(map[alarm.ID]bool)
	for i, rec := range records {
		a, err := e.factory.LegacyAlarm(rec)
		if err != nil {
			e.skip(res, i, rec.ID, err)
			continue
		}
		if seen[a.ID] {
			e.skip(res, i, rec.ID, fmt.Errorf("alarm %s repeated in blob: %w", a.ID, alarm.ErrDuplicateID))
			continue
		}
		c := converted{index: i, alarm: a}
		if rec.Template != nil {
			t, err := rec.Template.Template()
			if err != nil {
				e.skip(res, i, rec.ID, fmt.Errorf("embedded template: %w", err))
				continue
			}
			c.template = &t
		}
		seen[a.ID] = true
		out = append(out, c)
	}
	return out
}

func (e *Engine) skip(res *Result, index int, legacyID string, err error) {
	e.logger.Warn("legacy record skipped", zap.Int("index", index), zap.String("legacy_id", legacyID), zap.Error(err))
	res.fail(index, legacyID, err)
}

// resolveTemplate returns the ID for t's dedup key, creating the template
// when neither the store nor this run has it yet.
func resolveTemplate(ctx context.Context, s alarm.Store, t alarm.Template, resolved map[alarm.TemplateKey]alarm.ID) (alarm.ID, bool, error) {
	key := t.Key()
	if id, ok := resolved[key]; ok {
		return id, false, nil
	}
	found, err := s.FindTemplate(ctx, key)
	if err == nil {
		resolved[key] = found.ID
		return found.ID, false, nil
	}
	if !errors.Is(err, alarm.ErrNotFound) {
		return "", false, err
	}
	if err := s.InsertTemplate(ctx, &t); err != nil {
		return "", false, err
	}
	resolved[key] = t.ID
	return t.ID, true, nil
}

// =============================================================================
// CATALOG RECONCILIATION
// =============================================================================

// SyncCatalog adds catalog templates whose (name, scenario) is not stored yet.
func (e *Engine) SyncCatalog(ctx context.Context, c factory.Catalog) (*Result, error) {
	res := newResult()
	res.Records = c.Len()

	templates, errs := c.Templates()
	for _, err := range errs {
		e.logger.Warn("catalog entry skipped", zap.Error(err))
		index, tag := -1, ""
		var entry *factory.EntryError
		if errors.As(err, &entry) {
			index, tag = entry.Position, entry.Tag()
		}
		res.fail(index, tag, err)
	}

	stored, err := e.target.CountTemplates(ctx, alarm.Filter{})
	if err != nil {
		return e.abort(res, err)
	}

	if stored == 0 {
		res.enter(StateFullInit)
		if err := e.insertTemplates(ctx, templates); err != nil {
			return e.abort(res, err)
		}
		n, err := e.target.CountTemplates(ctx, alarm.Filter{})
		if err != nil {
			return e.abort(res, err)
		}
		if n < len(templates) {
			return e.abort(res, fmt.Errorf("%w: %d templates stored after inserting %d", alarm.ErrDataCorruption, n, len(templates)))
		}
		res.TemplatesCreated = len(templates)
		res.enter(StateValidated)
		e.logger.Info("template catalog installed", zap.Int("templates", len(templates)))
		return res, nil
	}

	res.enter(StateIncrementalDiff)
	existing, err := e.target.FetchTemplates(ctx, alarm.Query{})
	if err != nil {
		return e.abort(res, err)
	}
	have := make(map[alarm.TemplateKey]bool, len(existing))
	for _, t := range existing {
		have[t.Key()] = true
	}
	var missing []alarm.Template
	for _, t := range templates {
		if !have[t.Key()] {
			missing = append(missing, t)
		}
	}
	res.TemplatesReused = len(templates) - len(missing)
	if len(missing) == 0 {
		e.logger.Debug("template catalog up to date", zap.Int("templates", len(existing)))
		return res, nil
	}

	res.enter(StateIncrementalApply)
	if err := e.insertTemplates(ctx, missing); err != nil {
		return e.abort(res, err)
	}
	res.TemplatesCreated = len(missing)
	e.logger.Info("template catalog extended", zap.Int("added", len(missing)))
	return res, nil
}

func (e *Engine) insertTemplates(ctx context.Context, templates []alarm.Template) error {
	return e.target.RunHeavy(ctx, query.Op{
		Name:  fmt.Sprintf("catalog-insert(%d)", len(templates)),
		Kinds: []cache.Kind{cache.KindTemplates, cache.KindAlarms},
		Apply: func(ctx context.Context, s alarm.Store) error {
			for _, t := range templates {
				t := t
				if err := s.InsertTemplate(ctx, &t); err != nil {
					return err
				}
			}
			return nil
		},
	})
}
