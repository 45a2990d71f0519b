/*
Package sqlite provides a SQLite-backed implementation of alarm.TxStore.

PURPOSE:
  Durable storage for alarms, repeat rules and templates. The relationship
  rules of alarm.Store are enforced twice: explicitly in the write paths and
  by the schema (foreign keys, CHECK and UNIQUE constraints).

KEY TABLES:
  templates:     Presets, UNIQUE(name, scenario) is the dedup key
  alarms:        Reminders, template_id REFERENCES templates ON DELETE SET NULL
  repeat_rules:  One row per weekday, alarm_id REFERENCES alarms ON DELETE CASCADE
  schema_version: Structured schema version (legacy blobs predate it)

CONCURRENCY:
  A single writer at a time (mu), any number of readers. WAL mode lets
  readers continue against the last committed snapshot while a write
  transaction is open.

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order equals time order.

ERRORS:
  Driver errors are translated into alarm sentinels:
    UNIQUE on alarms.id / templates.id  -> alarm.ErrDuplicateID
    UNIQUE on templates(name, scenario) -> alarm.ErrDuplicateTemplate
    BEGIN / query / exec failures       -> alarm.ErrStorage
    COMMIT failure                      -> alarm.ErrCommitFailed
    ROLLBACK failure                    -> alarm.ErrRollbackFailed
    schema creation failure             -> alarm.ErrStoreInit

USAGE:
  store, err := sqlite.New("./data/alarms.db", logger)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - alarm/store.go: Interface definitions
  - alarm/store/memory.go: In-memory implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/warp/alarm-engine/alarm"
)

// SchemaVersion is the structured schema this package writes.
const SchemaVersion = 1

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements alarm.TxStore using SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
	now    func() time.Time
}

// New opens (creating if needed) the database at path and migrates the
// schema. Use ":memory:" for an in-memory database.
func New(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", alarm.ErrStoreInit, path, err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := Open(db, logger)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Open wraps an existing handle without touching the schema.
func Open(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("sqlite"), now: time.Now}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema and records its version.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		icon TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		time_label TEXT NOT NULL DEFAULT '',
		frequency_label TEXT NOT NULL DEFAULT '',
		default_time TEXT NOT NULL,
		repeat_type TEXT NOT NULL,
		scenario TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (name, scenario)
	);

	CREATE INDEX IF NOT EXISTS idx_templates_scenario
		ON templates(scenario);

	CREATE TABLE IF NOT EXISTS alarms (
		id TEXT PRIMARY KEY,
		hour INTEGER NOT NULL CHECK (hour BETWEEN 0 AND 23),
		minute INTEGER NOT NULL CHECK (minute BETWEEN 0 AND 59),
		label TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		sound TEXT NOT NULL DEFAULT '',
		snooze_enabled INTEGER NOT NULL DEFAULT 0,
		vibration_enabled INTEGER NOT NULL DEFAULT 0,
		template_id TEXT REFERENCES templates(id) ON DELETE SET NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_alarms_template
		ON alarms(template_id) WHERE template_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_alarms_enabled
		ON alarms(enabled);
	CREATE INDEX IF NOT EXISTS idx_alarms_created
		ON alarms(created_at DESC);

	CREATE TABLE IF NOT EXISTS repeat_rules (
		id TEXT PRIMARY KEY,
		alarm_id TEXT NOT NULL REFERENCES alarms(id) ON DELETE CASCADE,
		weekday INTEGER NOT NULL CHECK (weekday BETWEEN 1 AND 7),
		UNIQUE (alarm_id, weekday)
	);

	INSERT INTO schema_version (version)
		SELECT 1 WHERE NOT EXISTS (SELECT 1 FROM schema_version);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: migrate schema: %w", alarm.ErrStoreInit, err)
	}
	return nil
}

// Version returns the recorded schema version.
func (s *Store) Version(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&v); err != nil {
		return 0, storageErr("read schema version", err)
	}
	return v, nil
}

// =============================================================================
// TRANSACTIONAL STORE (alarm.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. Reads made through the
// alarm.Store handed to fn go through the same transaction.
func (s *Store) WithTx(ctx context.Context, fn func(alarm.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}

	if err := fn(&conn{q: tx, now: s.now}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("rollback failed", zap.Error(rbErr), zap.NamedError("cause", err))
			return fmt.Errorf("%w: %w (rolling back after: %v)", alarm.ErrRollbackFailed, rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("commit failed", zap.Error(err))
		return fmt.Errorf("%w: %w", alarm.ErrCommitFailed, err)
	}
	return nil
}

func (s *Store) write(ctx context.Context, fn func(alarm.Store) error) error {
	return s.WithTx(ctx, fn)
}

func (s *Store) reader() *conn { return &conn{q: s.db, now: s.now} }

// snapshot runs fn in a read-only transaction so alarm rows and their rules
// come from the same committed state.
func (s *Store) snapshot(ctx context.Context, fn func(*conn) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return storageErr("begin read", err)
	}
	defer tx.Rollback() //nolint:errcheck
	return fn(&conn{q: tx, now: s.now})
}

func (s *Store) InsertAlarm(ctx context.Context, a *alarm.Alarm) error {
	return s.write(ctx, func(st alarm.Store) error { return st.InsertAlarm(ctx, a) })
}

func (s *Store) UpdateAlarm(ctx context.Context, a *alarm.Alarm) error {
	return s.write(ctx, func(st alarm.Store) error { return st.UpdateAlarm(ctx, a) })
}

func (s *Store) DeleteAlarm(ctx context.Context, id alarm.ID) error {
	return s.write(ctx, func(st alarm.Store) error { return st.DeleteAlarm(ctx, id) })
}

func (s *Store) InsertTemplate(ctx context.Context, t *alarm.Template) error {
	return s.write(ctx, func(st alarm.Store) error { return st.InsertTemplate(ctx, t) })
}

func (s *Store) UpdateTemplate(ctx context.Context, t *alarm.Template) error {
	return s.write(ctx, func(st alarm.Store) error { return st.UpdateTemplate(ctx, t) })
}

func (s *Store) DeleteTemplate(ctx context.Context, id alarm.ID) error {
	return s.write(ctx, func(st alarm.Store) error { return st.DeleteTemplate(ctx, id) })
}

func (s *Store) GetAlarm(ctx context.Context, id alarm.ID) (a alarm.Alarm, err error) {
	err = s.snapshot(ctx, func(c *conn) error {
		a, err = c.GetAlarm(ctx, id)
		return err
	})
	return a, err
}

func (s *Store) GetTemplate(ctx context.Context, id alarm.ID) (alarm.Template, error) {
	return s.reader().GetTemplate(ctx, id)
}

func (s *Store) FindTemplate(ctx context.Context, key alarm.TemplateKey) (alarm.Template, error) {
	return s.reader().FindTemplate(ctx, key)
}

func (s *Store) FetchAlarms(ctx context.Context, q alarm.Query) (as []alarm.Alarm, err error) {
	err = s.snapshot(ctx, func(c *conn) error {
		as, err = c.FetchAlarms(ctx, q)
		return err
	})
	return as, err
}

func (s *Store) FetchTemplates(ctx context.Context, q alarm.Query) ([]alarm.Template, error) {
	return s.reader().FetchTemplates(ctx, q)
}

func (s *Store) CountAlarms(ctx context.Context, f alarm.Filter) (int, error) {
	return s.reader().CountAlarms(ctx, f)
}

func (s *Store) CountTemplates(ctx context.Context, f alarm.Filter) (int, error) {
	return s.reader().CountTemplates(ctx, f)
}

func (s *Store) RepeatRules(ctx context.Context) ([]alarm.RepeatRule, error) {
	return s.reader().RepeatRules(ctx)
}

// =============================================================================
// HELPERS
// =============================================================================

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, alarm.ErrStorage, err)
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", alarm.ErrDataCorruption, s)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// translateWrite maps a failed INSERT/UPDATE on table to an alarm sentinel.
func translateWrite(op string, err error) error {
	if !isUniqueConstraintError(err) {
		return storageErr(op, err)
	}
	if strings.Contains(err.Error(), "templates.name") {
		return fmt.Errorf("%s: %w", op, alarm.ErrDuplicateTemplate)
	}
	return fmt.Errorf("%s: %w", op, alarm.ErrDuplicateID)
}
