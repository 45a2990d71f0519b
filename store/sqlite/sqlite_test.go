package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/alarm-engine/alarm"
	"github.com/warp/alarm-engine/alarm/storetest"
	"github.com/warp/alarm-engine/store/sqlite"
)

func newFileStore(t *testing.T) (*sqlite.Store, string) {
	path := filepath.Join(t.TempDir(), "alarms.db")
	s, err := sqlite.New(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestSQLite_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) alarm.TxStore {
		s, _ := newFileStore(t)
		return s
	})
}

func TestSQLite_InMemory(t *testing.T) {
	s, err := sqlite.New(":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	a := storetest.NewAlarm("Memory", 6, 45, alarm.Tuesday)
	require.NoError(t, s.InsertAlarm(ctx, a))

	got, err := s.GetAlarm(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, alarm.NewWeekdaySet(alarm.Tuesday), got.Repeat())
}

func TestSQLite_Version(t *testing.T) {
	s, _ := newFileStore(t)

	v, err := s.Version(context.Background())

	require.NoError(t, err)
	assert.Equal(t, sqlite.SchemaVersion, v)
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	// GIVEN: A store with a template and an alarm created from it
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "alarms.db")
	s, err := sqlite.New(path, nil)
	require.NoError(t, err)

	tpl := storetest.NewTemplate("Lunch", alarm.ScenarioHome)
	require.NoError(t, s.InsertTemplate(ctx, tpl))
	a := storetest.NewAlarm("Lunch", 12, 15, alarm.Monday, alarm.Friday)
	a.TemplateID = tpl.ID
	require.NoError(t, s.InsertAlarm(ctx, a))
	require.NoError(t, s.Close())

	// WHEN: The database is reopened
	s, err = sqlite.New(path, nil)
	require.NoError(t, err)
	defer s.Close()

	// THEN: Everything round-trips, including the relationship
	got, err := s.GetAlarm(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, tpl.ID, got.TemplateID)
	assert.Equal(t, alarm.TimeOfDay{Hour: 12, Minute: 15}, got.Time)
	assert.Equal(t, alarm.NewWeekdaySet(alarm.Monday, alarm.Friday), got.Repeat())
	assert.True(t, a.CreatedAt.Equal(got.CreatedAt))

	found, err := s.FindTemplate(ctx, tpl.Key())
	require.NoError(t, err)
	assert.Equal(t, tpl.ID, found.ID)
}

func TestSQLite_IntegrityFindsOrphanRules(t *testing.T) {
	// GIVEN: A rule whose alarm was removed behind the store's back with
	// foreign keys disabled
	ctx := context.Background()
	s, path := newFileStore(t)
	a := storetest.NewAlarm("Orphan", 7, 0, alarm.Monday, alarm.Sunday)
	require.NoError(t, s.InsertAlarm(ctx, a))

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.ExecContext(ctx, "DELETE FROM alarms WHERE id = ?", a.ID)
	require.NoError(t, err)

	// WHEN: Integrity is checked
	report, err := alarm.CheckIntegrity(ctx, s)

	// THEN: Both rules are reported, not silently dropped
	require.NoError(t, err)
	assert.Len(t, report.OrphanRules, 2)
	assert.ErrorIs(t, report.Err(), alarm.ErrIntegrity)
}

func TestSQLite_FetchManyAlarmsLoadsAllRules(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t)

	const n = 620
	err := s.WithTx(ctx, func(tx alarm.Store) error {
		for i := 0; i < n; i++ {
			if err := tx.InsertAlarm(ctx, storetest.NewAlarm("Bulk", i%24, i%60, alarm.Wednesday)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	all, err := s.FetchAlarms(ctx, alarm.Query{})
	require.NoError(t, err)
	require.Len(t, all, n)
	for _, a := range all {
		assert.Equal(t, alarm.NewWeekdaySet(alarm.Wednesday), a.Repeat())
	}
}

// =============================================================================
// DRIVER FAILURES (sqlmock)
// =============================================================================

func setupMockStore(t *testing.T) (sqlmock.Sqlmock, *sqlite.Store) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, sqlite.Open(db, zap.NewNop())
}

func TestSQLite_CommitFailure(t *testing.T) {
	mock, s := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO alarms").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	err := s.InsertAlarm(context.Background(), storetest.NewAlarm("Commit", 7, 0))

	assert.ErrorIs(t, err, alarm.ErrCommitFailed)
	assert.True(t, alarm.IsRetryable(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_RollbackFailure(t *testing.T) {
	mock, s := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO alarms").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback().WillReturnError(errors.New("cannot rollback"))

	err := s.InsertAlarm(context.Background(), storetest.NewAlarm("Rollback", 7, 0))

	assert.ErrorIs(t, err, alarm.ErrRollbackFailed)
	assert.Equal(t, alarm.SeverityCritical, alarm.SeverityOf(err))
	assert.True(t, alarm.IsFatal(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_BeginFailure(t *testing.T) {
	mock, s := setupMockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("unable to open database file"))

	err := s.DeleteAlarm(context.Background(), "a-1")

	assert.ErrorIs(t, err, alarm.ErrStorage)
	assert.Equal(t, alarm.KindResource, alarm.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_CorruptTimestamp(t *testing.T) {
	mock, s := setupMockStore(t)

	rows := sqlmock.NewRows([]string{
		"id", "hour", "minute", "label", "enabled", "sound", "snooze_enabled",
		"vibration_enabled", "template_id", "created_at", "updated_at",
	}).AddRow("a-1", 7, 0, "Broken", 1, "default", 1, 1, nil, "yesterday", "today")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").WithArgs("a-1").WillReturnRows(rows)
	mock.ExpectRollback()

	_, err := s.GetAlarm(context.Background(), "a-1")

	assert.ErrorIs(t, err, alarm.ErrDataCorruption)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_AlarmReadsShareOneSnapshot(t *testing.T) {
	mock, s := setupMockStore(t)

	alarms := sqlmock.NewRows([]string{
		"id", "hour", "minute", "label", "enabled", "sound", "snooze_enabled",
		"vibration_enabled", "template_id", "created_at", "updated_at",
	}).AddRow("a-1", 7, 0, "Run", 1, "default", 1, 1, nil,
		"2025-01-01T00:00:00.000000000Z", "2025-01-01T00:00:00.000000000Z")
	rules := sqlmock.NewRows([]string{"id", "alarm_id", "weekday"}).
		AddRow("r-1", "a-1", 2).
		AddRow("r-2", "a-1", 6)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM alarms").WillReturnRows(alarms)
	mock.ExpectQuery("FROM repeat_rules").WithArgs("a-1").WillReturnRows(rules)
	mock.ExpectRollback()

	got, err := s.FetchAlarms(context.Background(), alarm.Query{})

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, alarm.NewWeekdaySet(alarm.Monday, alarm.Friday), got[0].Repeat())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_ReadBeginFailure(t *testing.T) {
	mock, s := setupMockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("unable to open database file"))

	_, err := s.FetchAlarms(context.Background(), alarm.Query{})

	assert.ErrorIs(t, err, alarm.ErrStorage)
	require.NoError(t, mock.ExpectationsWereMet())
}
