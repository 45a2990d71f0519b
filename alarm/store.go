/*
store.go - Persistence interface for alarms and templates

PURPOSE:
  Defines the interface between the engine and the database. Every write is
  atomic: it commits completely or fails with a typed error and leaves no
  partial state behind.

KEY INTERFACES:
  Store:    Record CRUD, filtered fetch/count, raw rule listing
  TxStore:  Store plus WithTx for multi-record atomic writes

RELATIONSHIP RULES (enforced by every implementation):
  - DeleteAlarm removes the alarm's RepeatRules in the same transaction.
  - DeleteTemplate clears TemplateID on referencing alarms in the same
    transaction. Alarms are never deleted by it.
  - Duplicate identity -> ErrDuplicateID. Duplicate (name, scenario) ->
    ErrDuplicateTemplate.
  - Unknown IDs -> ErrNotFound.

TIMESTAMPS:
  Stores stamp CreatedAt (when zero) on insert and UpdatedAt on every write.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (database/sql + go-sqlite3)
  - alarm/store/memory.go:  In-memory, copy-on-write transactions

SEE ALSO:
  - query/layer.go: Cached access on top of TxStore
*/
package alarm

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// InsertAlarm normalizes, validates and persists a with its rules.
	// Assigned identities and timestamps are written back into a.
	InsertAlarm(ctx context.Context, a *Alarm) error
	// UpdateAlarm replaces the stored alarm and its whole rule set.
	UpdateAlarm(ctx context.Context, a *Alarm) error
	DeleteAlarm(ctx context.Context, id ID) error
	GetAlarm(ctx context.Context, id ID) (Alarm, error)

	InsertTemplate(ctx context.Context, t *Template) error
	UpdateTemplate(ctx context.Context, t *Template) error
	DeleteTemplate(ctx context.Context, id ID) error
	GetTemplate(ctx context.Context, id ID) (Template, error)
	FindTemplate(ctx context.Context, key TemplateKey) (Template, error)

	FetchAlarms(ctx context.Context, q Query) ([]Alarm, error)
	FetchTemplates(ctx context.Context, q Query) ([]Template, error)
	CountAlarms(ctx context.Context, f Filter) (int, error)
	CountTemplates(ctx context.Context, f Filter) (int, error)

	// RepeatRules lists every stored rule, owned or not. Used by CheckIntegrity.
	RepeatRules(ctx context.Context) ([]RepeatRule, error)
}

// TxStore runs fn against a transactional view: fn's writes commit together
// or not at all. Readers outside the transaction see the last committed state.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// QUERIES
// =============================================================================

// Filter selects records. Zero values match everything.
// Templates honour only Scenario.
type Filter struct {
	Enabled    *bool
	Scenario   Scenario // alarms: scenario of the referenced template
	TemplateID ID
}

func Enabled(v bool) *bool { return &v }

// Describe renders a canonical description used in cache keys.
func (f Filter) Describe() string {
	var parts []string
	if f.Enabled != nil {
		parts = append(parts, fmt.Sprintf("enabled=%t", *f.Enabled))
	}
	if f.Scenario != "" {
		parts = append(parts, "scenario="+string(f.Scenario))
	}
	if !f.TemplateID.IsZero() {
		parts = append(parts, "template="+string(f.TemplateID))
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, ",")
}

type SortField string

const (
	SortDefault   SortField = ""
	SortTime      SortField = "time"
	SortLabel     SortField = "label"
	SortCreatedAt SortField = "created_at"
	SortUpdatedAt SortField = "updated_at"
	SortName      SortField = "name"
)

// Sort orders results. Ties always break on ID ascending.
// The default is time of day for alarms and name for templates.
type Sort struct {
	Field SortField
	Desc  bool
}

func (s Sort) Describe() string {
	f := s.Field
	if f == SortDefault {
		f = "default"
	}
	if s.Desc {
		return string(f) + " desc"
	}
	return string(f) + " asc"
}

// Query is a filtered, ordered window of records. Limit 0 means no limit.
type Query struct {
	Filter Filter
	Sort   Sort
	Limit  int
	Offset int
}

func (q Query) Describe() string {
	return fmt.Sprintf("%s|%s|limit=%d|offset=%d", q.Filter.Describe(), q.Sort.Describe(), q.Limit, q.Offset)
}

// Page applies offset/limit to an already ordered slice.
func Page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// SortAlarms orders alarms in place.
func SortAlarms(as []Alarm, s Sort) {
	less := func(a, b Alarm) int {
		switch s.Field {
		case SortLabel:
			return strings.Compare(a.Label, b.Label)
		case SortCreatedAt:
			return a.CreatedAt.Compare(b.CreatedAt)
		case SortUpdatedAt:
			return a.UpdatedAt.Compare(b.UpdatedAt)
		default:
			return a.Time.Minutes() - b.Time.Minutes()
		}
	}
	sort.SliceStable(as, func(i, j int) bool {
		c := less(as[i], as[j])
		if s.Desc {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		return as[i].ID < as[j].ID
	})
}

// SortTemplates orders templates in place.
func SortTemplates(ts []Template, s Sort) {
	less := func(a, b Template) int {
		switch s.Field {
		case SortCreatedAt, SortUpdatedAt:
			return a.CreatedAt.Compare(b.CreatedAt)
		default:
			if c := strings.Compare(a.Name, b.Name); c != 0 {
				return c
			}
			return strings.Compare(string(a.Scenario), string(b.Scenario))
		}
	}
	sort.SliceStable(ts, func(i, j int) bool {
		c := less(ts[i], ts[j])
		if s.Desc {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		return ts[i].ID < ts[j].ID
	})
}
