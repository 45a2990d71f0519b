package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/alarm-engine/alarm"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements alarm.Store over a querier. Multi-statement writes are
// only atomic when q is a transaction; Store routes all writes through
// WithTx.
type conn struct {
	q   querier
	now func() time.Time
}

const alarmColumns = `a.id, a.hour, a.minute, a.label, a.enabled, a.sound, a.snooze_enabled,
	a.vibration_enabled, a.template_id, a.created_at, a.updated_at`

const templateColumns = `id, name, category, icon, description, time_label, frequency_label,
	default_time, repeat_type, scenario, created_at`

// ruleChunk stays well below SQLite's bound-parameter limit.
const ruleChunk = 500

// =============================================================================
// ALARMS
// =============================================================================

func (c *conn) InsertAlarm(ctx context.Context, a *alarm.Alarm) error {
	a.Normalize()
	if err := alarm.ValidateAlarm(*a); err != nil {
		return err
	}
	if err := c.checkTemplateRef(ctx, a.TemplateID); err != nil {
		return err
	}
	now := c.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO alarms
		(id, hour, minute, label, enabled, sound, snooze_enabled, vibration_enabled,
		 template_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Time.Hour, a.Time.Minute, a.Label, boolInt(a.Enabled), a.Sound,
		boolInt(a.SnoozeEnabled), boolInt(a.VibrationEnabled), nullString(string(a.TemplateID)),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return translateWrite("insert alarm "+string(a.ID), err)
	}
	return c.insertRules(ctx, a.Rules)
}

func (c *conn) insertRules(ctx context.Context, rules []alarm.RepeatRule) error {
	for _, r := range rules {
		_, err := c.q.ExecContext(ctx,
			"INSERT INTO repeat_rules (id, alarm_id, weekday) VALUES (?, ?, ?)",
			r.ID, r.AlarmID, int(r.Weekday))
		if err != nil {
			return translateWrite("insert repeat rule", err)
		}
	}
	return nil
}

// UpdateAlarm rewrites the alarm row and replaces its rule set.
func (c *conn) UpdateAlarm(ctx context.Context, a *alarm.Alarm) error {
	a.Normalize()
	if err := alarm.ValidateAlarm(*a); err != nil {
		return err
	}
	if err := c.checkTemplateRef(ctx, a.TemplateID); err != nil {
		return err
	}

	var created string
	err := c.q.QueryRowContext(ctx, "SELECT created_at FROM alarms WHERE id = ?", a.ID).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("alarm %s: %w", a.ID, alarm.ErrNotFound)
	}
	if err != nil {
		return storageErr("load alarm", err)
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return err
	}
	a.UpdatedAt = c.now()

	_, err = c.q.ExecContext(ctx, `
		UPDATE alarms SET hour = ?, minute = ?, label = ?, enabled = ?, sound = ?,
			snooze_enabled = ?, vibration_enabled = ?, template_id = ?, updated_at = ?
		WHERE id = ?`,
		a.Time.Hour, a.Time.Minute, a.Label, boolInt(a.Enabled), a.Sound,
		boolInt(a.SnoozeEnabled), boolInt(a.VibrationEnabled), nullString(string(a.TemplateID)),
		formatTime(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return translateWrite("update alarm "+string(a.ID), err)
	}
	if _, err := c.q.ExecContext(ctx, "DELETE FROM repeat_rules WHERE alarm_id = ?", a.ID); err != nil {
		return storageErr("replace repeat rules", err)
	}
	return c.insertRules(ctx, a.Rules)
}

// DeleteAlarm removes the rules explicitly before the alarm; the foreign
// key cascade covers handles opened without foreign key enforcement.
func (c *conn) DeleteAlarm(ctx context.Context, id alarm.ID) error {
	if _, err := c.q.ExecContext(ctx, "DELETE FROM repeat_rules WHERE alarm_id = ?", id); err != nil {
		return storageErr("delete repeat rules", err)
	}
	res, err := c.q.ExecContext(ctx, "DELETE FROM alarms WHERE id = ?", id)
	if err != nil {
		return storageErr("delete alarm", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alarm %s: %w", id, alarm.ErrNotFound)
	}
	return nil
}

func (c *conn) checkTemplateRef(ctx context.Context, id alarm.ID) error {
	if id.IsZero() {
		return nil
	}
	var n int
	if err := c.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM templates WHERE id = ?", id).Scan(&n); err != nil {
		return storageErr("check template", err)
	}
	if n == 0 {
		return fmt.Errorf("template %s: %w", id, alarm.ErrNotFound)
	}
	return nil
}

func (c *conn) GetAlarm(ctx context.Context, id alarm.ID) (alarm.Alarm, error) {
	alarms, err := c.queryAlarms(ctx, "SELECT "+alarmColumns+" FROM alarms a WHERE a.id = ?", id)
	if err != nil {
		return alarm.Alarm{}, err
	}
	if len(alarms) == 0 {
		return alarm.Alarm{}, fmt.Errorf("alarm %s: %w", id, alarm.ErrNotFound)
	}
	return alarms[0], nil
}

func alarmWhere(f alarm.Filter) (string, []any) {
	var conds []string
	var args []any
	if f.Enabled != nil {
		conds = append(conds, "a.enabled = ?")
		args = append(args, boolInt(*f.Enabled))
	}
	if !f.TemplateID.IsZero() {
		conds = append(conds, "a.template_id = ?")
		args = append(args, f.TemplateID)
	}
	if f.Scenario != "" {
		conds = append(conds, "a.template_id IN (SELECT id FROM templates WHERE scenario = ?)")
		args = append(args, f.Scenario)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func alarmOrder(s alarm.Sort) string {
	dir := " ASC"
	if s.Desc {
		dir = " DESC"
	}
	switch s.Field {
	case alarm.SortLabel:
		return " ORDER BY a.label" + dir + ", a.id ASC"
	case alarm.SortCreatedAt:
		return " ORDER BY a.created_at" + dir + ", a.id ASC"
	case alarm.SortUpdatedAt:
		return " ORDER BY a.updated_at" + dir + ", a.id ASC"
	default:
		return " ORDER BY a.hour" + dir + ", a.minute" + dir + ", a.id ASC"
	}
}

func window(limit, offset int) (string, []any) {
	if limit <= 0 && offset <= 0 {
		return "", nil
	}
	if limit <= 0 {
		limit = -1
	}
	return " LIMIT ? OFFSET ?", []any{limit, max(offset, 0)}
}

func (c *conn) FetchAlarms(ctx context.Context, q alarm.Query) ([]alarm.Alarm, error) {
	where, args := alarmWhere(q.Filter)
	win, winArgs := window(q.Limit, q.Offset)
	query := "SELECT " + alarmColumns + " FROM alarms a" + where + alarmOrder(q.Sort) + win
	return c.queryAlarms(ctx, query, append(args, winArgs...)...)
}

func (c *conn) CountAlarms(ctx context.Context, f alarm.Filter) (int, error) {
	where, args := alarmWhere(f)
	var n int
	if err := c.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM alarms a"+where, args...).Scan(&n); err != nil {
		return 0, storageErr("count alarms", err)
	}
	return n, nil
}

// queryAlarms loads the alarm rows first and their rules second, so no two
// result sets are open on the connection at once.
func (c *conn) queryAlarms(ctx context.Context, query string, args ...any) ([]alarm.Alarm, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query alarms", err)
	}
	alarms := []alarm.Alarm{}
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		alarms = append(alarms, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storageErr("query alarms", err)
	}
	rows.Close()

	if err := c.attachRules(ctx, alarms); err != nil {
		return nil, err
	}
	return alarms, nil
}

func scanAlarm(rows *sql.Rows) (alarm.Alarm, error) {
	var (
		a                        alarm.Alarm
		enabled, snooze, vibrate int
		templateID               sql.NullString
		createdAt, updatedAt     string
	)
	err := rows.Scan(&a.ID, &a.Time.Hour, &a.Time.Minute, &a.Label, &enabled, &a.Sound,
		&snooze, &vibrate, &templateID, &createdAt, &updatedAt)
	if err != nil {
		return a, storageErr("scan alarm", err)
	}
	a.Enabled, a.SnoozeEnabled, a.VibrationEnabled = enabled != 0, snooze != 0, vibrate != 0
	a.TemplateID = alarm.ID(templateID.String)
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return a, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return a, err
	}
	return a, nil
}

func (c *conn) attachRules(ctx context.Context, alarms []alarm.Alarm) error {
	if len(alarms) == 0 {
		return nil
	}
	index := make(map[alarm.ID]int, len(alarms))
	for i, a := range alarms {
		index[a.ID] = i
	}
	for start := 0; start < len(alarms); start += ruleChunk {
		end := min(start+ruleChunk, len(alarms))
		ids := make([]any, 0, end-start)
		for _, a := range alarms[start:end] {
			ids = append(ids, a.ID)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		rules, err := c.queryRules(ctx,
			"SELECT id, alarm_id, weekday FROM repeat_rules WHERE alarm_id IN ("+placeholders+") ORDER BY alarm_id, weekday",
			ids...)
		if err != nil {
			return err
		}
		for _, r := range rules {
			i := index[r.AlarmID]
			alarms[i].Rules = append(alarms[i].Rules, r)
		}
	}
	return nil
}

func (c *conn) queryRules(ctx context.Context, query string, args ...any) ([]alarm.RepeatRule, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query repeat rules", err)
	}
	defer rows.Close()

	var rules []alarm.RepeatRule
	for rows.Next() {
		var r alarm.RepeatRule
		var weekday int
		if err := rows.Scan(&r.ID, &r.AlarmID, &weekday); err != nil {
			return nil, storageErr("scan repeat rule", err)
		}
		r.Weekday = alarm.Weekday(weekday)
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query repeat rules", err)
	}
	return rules, nil
}

// RepeatRules lists every rule, including ones whose alarm is missing.
func (c *conn) RepeatRules(ctx context.Context) ([]alarm.RepeatRule, error) {
	return c.queryRules(ctx, "SELECT id, alarm_id, weekday FROM repeat_rules ORDER BY weekday, id")
}

// =============================================================================
// TEMPLATES
// =============================================================================

func (c *conn) InsertTemplate(ctx context.Context, t *alarm.Template) error {
	if t.ID.IsZero() {
		t.ID = alarm.NewID()
	}
	if err := alarm.ValidateTemplate(*t); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = c.now()
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO templates (`+templateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Category, t.Icon, t.Description, t.TimeLabel, t.FrequencyLabel,
		t.DefaultTime, string(t.RepeatType), string(t.Scenario), formatTime(t.CreatedAt),
	)
	if err != nil {
		return translateWrite("insert template "+t.Key().String(), err)
	}
	return nil
}

func (c *conn) UpdateTemplate(ctx context.Context, t *alarm.Template) error {
	if err := alarm.ValidateTemplate(*t); err != nil {
		return err
	}
	stored, err := c.GetTemplate(ctx, t.ID)
	if err != nil {
		return err
	}
	t.CreatedAt = stored.CreatedAt
	_, err = c.q.ExecContext(ctx, `
		UPDATE templates SET name = ?, category = ?, icon = ?, description = ?, time_label = ?,
			frequency_label = ?, default_time = ?, repeat_type = ?, scenario = ?
		WHERE id = ?`,
		t.Name, t.Category, t.Icon, t.Description, t.TimeLabel, t.FrequencyLabel,
		t.DefaultTime, string(t.RepeatType), string(t.Scenario), t.ID,
	)
	if err != nil {
		return translateWrite("update template "+t.Key().String(), err)
	}
	return nil
}

// DeleteTemplate clears references first, then removes the template.
func (c *conn) DeleteTemplate(ctx context.Context, id alarm.ID) error {
	_, err := c.q.ExecContext(ctx,
		"UPDATE alarms SET template_id = NULL, updated_at = ? WHERE template_id = ?",
		formatTime(c.now()), id)
	if err != nil {
		return storageErr("clear template references", err)
	}
	res, err := c.q.ExecContext(ctx, "DELETE FROM templates WHERE id = ?", id)
	if err != nil {
		return storageErr("delete template", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("template %s: %w", id, alarm.ErrNotFound)
	}
	return nil
}

func (c *conn) GetTemplate(ctx context.Context, id alarm.ID) (alarm.Template, error) {
	ts, err := c.queryTemplates(ctx, "SELECT "+templateColumns+" FROM templates WHERE id = ?", id)
	if err != nil {
		return alarm.Template{}, err
	}
	if len(ts) == 0 {
		return alarm.Template{}, fmt.Errorf("template %s: %w", id, alarm.ErrNotFound)
	}
	return ts[0], nil
}

func (c *conn) FindTemplate(ctx context.Context, key alarm.TemplateKey) (alarm.Template, error) {
	ts, err := c.queryTemplates(ctx,
		"SELECT "+templateColumns+" FROM templates WHERE name = ? AND scenario = ?",
		key.Name, string(key.Scenario))
	if err != nil {
		return alarm.Template{}, err
	}
	if len(ts) == 0 {
		return alarm.Template{}, fmt.Errorf("template %s: %w", key, alarm.ErrNotFound)
	}
	return ts[0], nil
}

func templateOrder(s alarm.Sort) string {
	dir := " ASC"
	if s.Desc {
		dir = " DESC"
	}
	switch s.Field {
	case alarm.SortCreatedAt, alarm.SortUpdatedAt:
		return " ORDER BY created_at" + dir + ", id ASC"
	default:
		return " ORDER BY name" + dir + ", scenario" + dir + ", id ASC"
	}
}

func (c *conn) FetchTemplates(ctx context.Context, q alarm.Query) ([]alarm.Template, error) {
	query := "SELECT " + templateColumns + " FROM templates"
	var args []any
	if q.Filter.Scenario != "" {
		query += " WHERE scenario = ?"
		args = append(args, string(q.Filter.Scenario))
	}
	win, winArgs := window(q.Limit, q.Offset)
	return c.queryTemplates(ctx, query+templateOrder(q.Sort)+win, append(args, winArgs...)...)
}

func (c *conn) CountTemplates(ctx context.Context, f alarm.Filter) (int, error) {
	query := "SELECT COUNT(*) FROM templates"
	var args []any
	if f.Scenario != "" {
		query += " WHERE scenario = ?"
		args = append(args, string(f.Scenario))
	}
	var n int
	if err := c.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, storageErr("count templates", err)
	}
	return n, nil
}

func (c *conn) queryTemplates(ctx context.Context, query string, args ...any) ([]alarm.Template, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query templates", err)
	}
	defer rows.Close()

	templates := []alarm.Template{}
	for rows.Next() {
		var (
			t                    alarm.Template
			repeatType, scenario string
			createdAt            string
		)
		err := rows.Scan(&t.ID, &t.Name, &t.Category, &t.Icon, &t.Description, &t.TimeLabel,
			&t.FrequencyLabel, &t.DefaultTime, &repeatType, &scenario, &createdAt)
		if err != nil {
			return nil, storageErr("scan template", err)
		}
		t.RepeatType, t.Scenario = alarm.RepeatType(repeatType), alarm.Scenario(scenario)
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query templates", err)
	}
	return templates, nil
}
