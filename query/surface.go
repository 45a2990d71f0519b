package query

import (
	"context"
	"fmt"

	"github.com/warp/alarm-engine/alarm"
	"github.com/warp/alarm-engine/cache"
)

// =============================================================================
// UI READS
// =============================================================================

func (l *Layer) FetchAll(ctx context.Context) ([]alarm.Alarm, error) {
	return l.FetchAlarms(ctx, alarm.Query{})
}

func (l *Layer) FetchEnabled(ctx context.Context) ([]alarm.Alarm, error) {
	return l.FetchAlarms(ctx, alarm.Query{Filter: alarm.Filter{Enabled: alarm.Enabled(true)}})
}

// FetchByScenario lists alarms whose template belongs to s.
func (l *Layer) FetchByScenario(ctx context.Context, s alarm.Scenario) ([]alarm.Alarm, error) {
	return l.FetchAlarms(ctx, alarm.Query{Filter: alarm.Filter{Scenario: s}})
}

func (l *Layer) FetchPaginated(ctx context.Context, offset, limit int) ([]alarm.Alarm, error) {
	return l.FetchAlarms(ctx, alarm.Query{Offset: offset, Limit: limit})
}

// FetchRecent lists the most recently created alarms first.
func (l *Layer) FetchRecent(ctx context.Context, limit int) ([]alarm.Alarm, error) {
	return l.FetchAlarms(ctx, alarm.Query{
		Sort:  alarm.Sort{Field: alarm.SortCreatedAt, Desc: true},
		Limit: limit,
	})
}

// FetchTemplatesFor lists templates of one scenario, or all when s is nil.
func (l *Layer) FetchTemplatesFor(ctx context.Context, s *alarm.Scenario) ([]alarm.Template, error) {
	var q alarm.Query
	if s != nil {
		q.Filter.Scenario = *s
	}
	return l.FetchTemplates(ctx, q)
}

// AlarmsForTemplate is the template's back-collection, derived by query.
func (l *Layer) AlarmsForTemplate(ctx context.Context, id alarm.ID) ([]alarm.Alarm, error) {
	if _, err := l.GetTemplate(ctx, id); err != nil {
		return nil, err
	}
	return l.FetchAlarms(ctx, alarm.Query{Filter: alarm.Filter{TemplateID: id}})
}

// =============================================================================
// SINGLE WRITES
// =============================================================================

var (
	alarmKinds    = []cache.Kind{cache.KindAlarms}
	templateKinds = []cache.Kind{cache.KindTemplates, cache.KindAlarms}
)

func (l *Layer) InsertAlarm(ctx context.Context, a *alarm.Alarm) error {
	if err := l.store.InsertAlarm(ctx, a); err != nil {
		return err
	}
	l.cache.Invalidate(ctx, alarmKinds...)
	l.notify(ctx, nil, a)
	return nil
}

func (l *Layer) UpdateAlarm(ctx context.Context, a *alarm.Alarm) error {
	before, err := l.store.GetAlarm(ctx, a.ID)
	if err != nil {
		return err
	}
	if err := l.store.UpdateAlarm(ctx, a); err != nil {
		return err
	}
	l.cache.Invalidate(ctx, alarmKinds...)
	l.notify(ctx, &before, a)
	return nil
}

func (l *Layer) SetEnabled(ctx context.Context, id alarm.ID, enabled bool) (alarm.Alarm, error) {
	a, err := l.store.GetAlarm(ctx, id)
	if err != nil {
		return alarm.Alarm{}, err
	}
	a.Enabled = enabled
	if err := l.UpdateAlarm(ctx, &a); err != nil {
		return alarm.Alarm{}, err
	}
	return a, nil
}

func (l *Layer) DeleteAlarm(ctx context.Context, id alarm.ID) error {
	before, err := l.store.GetAlarm(ctx, id)
	if err != nil {
		return err
	}
	if err := l.store.DeleteAlarm(ctx, id); err != nil {
		return err
	}
	l.cache.Invalidate(ctx, alarmKinds...)
	l.notify(ctx, &before, nil)
	return nil
}

func (l *Layer) InsertTemplate(ctx context.Context, t *alarm.Template) error {
	if err := l.store.InsertTemplate(ctx, t); err != nil {
		return err
	}
	l.cache.Invalidate(ctx, templateKinds...)
	return nil
}

func (l *Layer) UpdateTemplate(ctx context.Context, t *alarm.Template) error {
	if err := l.store.UpdateTemplate(ctx, t); err != nil {
		return err
	}
	l.cache.Invalidate(ctx, templateKinds...)
	return nil
}

// DeleteTemplate removes the template; alarms created from it stay and lose
// the reference.
func (l *Layer) DeleteTemplate(ctx context.Context, id alarm.ID) error {
	if err := l.store.DeleteTemplate(ctx, id); err != nil {
		return err
	}
	l.cache.Invalidate(ctx, templateKinds...)
	return nil
}

// CreateFromTemplate inserts an enabled alarm pre-filled from the template.
func (l *Layer) CreateFromTemplate(ctx context.Context, templateID alarm.ID) (alarm.Alarm, error) {
	t, err := l.store.GetTemplate(ctx, templateID)
	if err != nil {
		return alarm.Alarm{}, err
	}
	a, err := alarm.NewFromTemplate(t, l.opts.Clock())
	if err != nil {
		return alarm.Alarm{}, fmt.Errorf("template %s: %w", t.Key(), err)
	}
	if err := l.InsertAlarm(ctx, &a); err != nil {
		return alarm.Alarm{}, err
	}
	return a, nil
}

func (l *Layer) notify(ctx context.Context, before, after *alarm.Alarm) {
	if l.observer != nil {
		l.observer.AlarmChanged(ctx, before, after)
	}
}
