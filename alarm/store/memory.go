// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/alarm-engine/alarm"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is an in-memory alarm.TxStore.
//
// writeMu serializes writers for the whole length of a transaction; mu
// guards the committed state pointer. Transactions work on a private copy
// that replaces the committed state only after fn succeeds, so readers never
// see a partial write.
type Memory struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	st      *state
	now     func() time.Time
}

type state struct {
	alarms    map[alarm.ID]alarm.Alarm
	templates map[alarm.ID]alarm.Template
	keys      map[alarm.TemplateKey]alarm.ID
}

func newState() *state {
	return &state{
		alarms:    make(map[alarm.ID]alarm.Alarm),
		templates: make(map[alarm.ID]alarm.Template),
		keys:      make(map[alarm.TemplateKey]alarm.ID),
	}
}

func (s *state) clone() *state {
	c := &state{
		alarms:    make(map[alarm.ID]alarm.Alarm, len(s.alarms)),
		templates: make(map[alarm.ID]alarm.Template, len(s.templates)),
		keys:      make(map[alarm.TemplateKey]alarm.ID, len(s.keys)),
	}
	for k, v := range s.alarms {
		c.alarms[k] = v.Clone()
	}
	for k, v := range s.templates {
		c.templates[k] = v
	}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	return c
}

func NewMemory() *Memory {
	return &Memory{st: newState(), now: time.Now}
}

// NewMemoryWithClock is NewMemory with a fixed time source for timestamps.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{st: newState(), now: now}
}

func (m *Memory) view() *view { return &view{st: m.st, now: m.now} }

// write applies fn directly to the committed state. Every view mutation
// checks all preconditions before touching the maps, so a failed fn leaves
// no trace.
func (m *Memory) write(fn func(v *view) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.view())
}

func (m *Memory) read(fn func(v *view) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.view())
}

func (m *Memory) InsertAlarm(ctx context.Context, a *alarm.Alarm) error {
	return m.write(func(v *view) error { return v.InsertAlarm(ctx, a) })
}

func (m *Memory) UpdateAlarm(ctx context.Context, a *alarm.Alarm) error {
	return m.write(func(v *view) error { return v.UpdateAlarm(ctx, a) })
}

func (m *Memory) DeleteAlarm(ctx context.Context, id alarm.ID) error {
	return m.write(func(v *view) error { return v.DeleteAlarm(ctx, id) })
}

func (m *Memory) InsertTemplate(ctx context.Context, t *alarm.Template) error {
	return m.write(func(v *view) error { return v.InsertTemplate(ctx, t) })
}

func (m *Memory) UpdateTemplate(ctx context.Context, t *alarm.Template) error {
	return m.write(func(v *view) error { return v.UpdateTemplate(ctx, t) })
}

func (m *Memory) DeleteTemplate(ctx context.Context, id alarm.ID) error {
	return m.write(func(v *view) error { return v.DeleteTemplate(ctx, id) })
}

func (m *Memory) GetAlarm(ctx context.Context, id alarm.ID) (a alarm.Alarm, err error) {
	err = m.read(func(v *view) error { a, err = v.GetAlarm(ctx, id); return err })
	return a, err
}

func (m *Memory) GetTemplate(ctx context.Context, id alarm.ID) (t alarm.Template, err error) {
	err = m.read(func(v *view) error { t, err = v.GetTemplate(ctx, id); return err })
	return t, err
}

func (m *Memory) FindTemplate(ctx context.Context, key alarm.TemplateKey) (t alarm.Template, err error) {
	err = m.read(func(v *view) error { t, err = v.FindTemplate(ctx, key); return err })
	return t, err
}

func (m *Memory) FetchAlarms(ctx context.Context, q alarm.Query) (as []alarm.Alarm, err error) {
	err = m.read(func(v *view) error { as, err = v.FetchAlarms(ctx, q); return err })
	return as, err
}

func (m *Memory) FetchTemplates(ctx context.Context, q alarm.Query) (ts []alarm.Template, err error) {
	err = m.read(func(v *view) error { ts, err = v.FetchTemplates(ctx, q); return err })
	return ts, err
}

func (m *Memory) CountAlarms(ctx context.Context, f alarm.Filter) (n int, err error) {
	err = m.read(func(v *view) error { n, err = v.CountAlarms(ctx, f); return err })
	return n, err
}

func (m *Memory) CountTemplates(ctx context.Context, f alarm.Filter) (n int, err error) {
	err = m.read(func(v *view) error { n, err = v.CountTemplates(ctx, f); return err })
	return n, err
}

func (m *Memory) RepeatRules(ctx context.Context) (rs []alarm.RepeatRule, err error) {
	err = m.read(func(v *view) error { rs, err = v.RepeatRules(ctx); return err })
	return rs, err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// fn works on a copy of the committed state; the copy is swapped in only if
// fn succeeds and ctx is still live.
func (m *Memory) WithTx(ctx context.Context, fn func(alarm.Store) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	draft := m.st.clone()
	m.mu.RUnlock()

	if err := fn(&view{st: draft, now: m.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", alarm.ErrCommitFailed, err)
	}

	m.mu.Lock()
	m.st = draft
	m.mu.Unlock()
	return nil
}

// =============================================================================
// VIEW - alarm.Store over one state, no locking
// =============================================================================

type view struct {
	st  *state
	now func() time.Time
}

func (v *view) InsertAlarm(_ context.Context, a *alarm.Alarm) error {
	a.Normalize()
	if err := alarm.ValidateAlarm(*a); err != nil {
		return err
	}
	if _, ok := v.st.alarms[a.ID]; ok {
		return fmt.Errorf("alarm %s: %w", a.ID, alarm.ErrDuplicateID)
	}
	if err := v.checkTemplateRef(a.TemplateID); err != nil {
		return err
	}
	now := v.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	v.st.alarms[a.ID] = a.Clone()
	return nil
}

func (v *view) UpdateAlarm(_ context.Context, a *alarm.Alarm) error {
	a.Normalize()
	if err := alarm.ValidateAlarm(*a); err != nil {
		return err
	}
	stored, ok := v.st.alarms[a.ID]
	if !ok {
		return fmt.Errorf("alarm %s: %w", a.ID, alarm.ErrNotFound)
	}
	if err := v.checkTemplateRef(a.TemplateID); err != nil {
		return err
	}
	a.CreatedAt = stored.CreatedAt
	a.UpdatedAt = v.now()
	v.st.alarms[a.ID] = a.Clone()
	return nil
}

// DeleteAlarm drops the alarm and, with it, every rule it owns.
func (v *view) DeleteAlarm(_ context.Context, id alarm.ID) error {
	if _, ok := v.st.alarms[id]; !ok {
		return fmt.Errorf("alarm %s: %w", id, alarm.ErrNotFound)
	}
	delete(v.st.alarms, id)
	return nil
}

func (v *view) checkTemplateRef(id alarm.ID) error {
	if id.IsZero() {
		return nil
	}
	if _, ok := v.st.templates[id]; !ok {
		return fmt.Errorf("template %s: %w", id, alarm.ErrNotFound)
	}
	return nil
}

func (v *view) InsertTemplate(_ context.Context, t *alarm.Template) error {
	if t.ID.IsZero() {
		t.ID = alarm.NewID()
	}
	if err := alarm.ValidateTemplate(*t); err != nil {
		return err
	}
	if _, ok := v.st.templates[t.ID]; ok {
		return fmt.Errorf("template %s: %w", t.ID, alarm.ErrDuplicateID)
	}
	if _, ok := v.st.keys[t.Key()]; ok {
		return fmt.Errorf("template %s: %w", t.Key(), alarm.ErrDuplicateTemplate)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = v.now()
	}
	v.st.templates[t.ID] = *t
	v.st.keys[t.Key()] = t.ID
	return nil
}

func (v *view) UpdateTemplate(_ context.Context, t *alarm.Template) error {
	if err := alarm.ValidateTemplate(*t); err != nil {
		return err
	}
	stored, ok := v.st.templates[t.ID]
	if !ok {
		return fmt.Errorf("template %s: %w", t.ID, alarm.ErrNotFound)
	}
	if owner, ok := v.st.keys[t.Key()]; ok && owner != t.ID {
		return fmt.Errorf("template %s: %w", t.Key(), alarm.ErrDuplicateTemplate)
	}
	t.CreatedAt = stored.CreatedAt
	delete(v.st.keys, stored.Key())
	v.st.templates[t.ID] = *t
	v.st.keys[t.Key()] = t.ID
	return nil
}

// DeleteTemplate clears the reference on every alarm that points at the
// template, then drops the template.
func (v *view) DeleteTemplate(_ context.Context, id alarm.ID) error {
	t, ok := v.st.templates[id]
	if !ok {
		return fmt.Errorf("template %s: %w", id, alarm.ErrNotFound)
	}
	now := v.now()
	for aid, a := range v.st.alarms {
		if a.TemplateID == id {
			a.TemplateID = ""
			a.UpdatedAt = now
			v.st.alarms[aid] = a
		}
	}
	delete(v.st.keys, t.Key())
	delete(v.st.templates, id)
	return nil
}

func (v *view) GetAlarm(_ context.Context, id alarm.ID) (alarm.Alarm, error) {
	a, ok := v.st.alarms[id]
	if !ok {
		return alarm.Alarm{}, fmt.Errorf("alarm %s: %w", id, alarm.ErrNotFound)
	}
	return a.Clone(), nil
}

func (v *view) GetTemplate(_ context.Context, id alarm.ID) (alarm.Template, error) {
	t, ok := v.st.templates[id]
	if !ok {
		return alarm.Template{}, fmt.Errorf("template %s: %w", id, alarm.ErrNotFound)
	}
	return t, nil
}

func (v *view) FindTemplate(_ context.Context, key alarm.TemplateKey) (alarm.Template, error) {
	id, ok := v.st.keys[key]
	if !ok {
		return alarm.Template{}, fmt.Errorf("template %s: %w", key, alarm.ErrNotFound)
	}
	return v.st.templates[id], nil
}

func (v *view) matchAlarm(a alarm.Alarm, f alarm.Filter) bool {
	if f.Enabled != nil && a.Enabled != *f.Enabled {
		return false
	}
	if !f.TemplateID.IsZero() && a.TemplateID != f.TemplateID {
		return false
	}
	if f.Scenario != "" {
		t, ok := v.st.templates[a.TemplateID]
		if !ok || t.Scenario != f.Scenario {
			return false
		}
	}
	return true
}

func (v *view) FetchAlarms(_ context.Context, q alarm.Query) ([]alarm.Alarm, error) {
	out := make([]alarm.Alarm, 0, len(v.st.alarms))
	for _, a := range v.st.alarms {
		if v.matchAlarm(a, q.Filter) {
			out = append(out, a.Clone())
		}
	}
	alarm.SortAlarms(out, q.Sort)
	return alarm.Page(out, q.Offset, q.Limit), nil
}

func (v *view) FetchTemplates(_ context.Context, q alarm.Query) ([]alarm.Template, error) {
	out := make([]alarm.Template, 0, len(v.st.templates))
	for _, t := range v.st.templates {
		if q.Filter.Scenario == "" || t.Scenario == q.Filter.Scenario {
			out = append(out, t)
		}
	}
	alarm.SortTemplates(out, q.Sort)
	return alarm.Page(out, q.Offset, q.Limit), nil
}

func (v *view) CountAlarms(_ context.Context, f alarm.Filter) (int, error) {
	n := 0
	for _, a := range v.st.alarms {
		if v.matchAlarm(a, f) {
			n++
		}
	}
	return n, nil
}

func (v *view) CountTemplates(_ context.Context, f alarm.Filter) (int, error) {
	if f.Scenario == "" {
		return len(v.st.templates), nil
	}
	n := 0
	for _, t := range v.st.templates {
		if t.Scenario == f.Scenario {
			n++
		}
	}
	return n, nil
}

func (v *view) RepeatRules(context.Context) ([]alarm.RepeatRule, error) {
	var rules []alarm.RepeatRule
	for _, a := range v.st.alarms {
		rules = append(rules, a.Rules...)
	}
	alarm.SortRules(rules)
	return rules, nil
}
