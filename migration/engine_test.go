package migration_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/alarm-engine/alarm"
	"github.com/warp/alarm-engine/alarm/store"
	"github.com/warp/alarm-engine/factory"
	"github.com/warp/alarm-engine/migration"
	"github.com/warp/alarm-engine/query"
)

const legacyBlob = `[
	{"id": "L1", "time": "07:00", "label": "Commute", "enabled": true, "repeat_weekdays": [2,3,4,5,6],
	 "template": {"name": "Morning commute", "scenario": "work", "default_time": "07:30", "repeat_type": "weekdays"}},
	{"id": "L2", "time": "07:45", "label": "Late commute", "enabled": true, "repeat_weekdays": [2],
	 "template": {"name": "Morning commute", "scenario": "work", "default_time": "07:30", "repeat_type": "weekdays"}},
	{"id": "L3", "time": "09:00", "label": "Broken", "repeat_weekdays": [9]},
	{"id": "L4", "time": "21:30", "label": "Read", "enabled": false},
	{"id": "L4", "time": "22:00", "label": "Read again"}
]`

func writeBlob(t *testing.T, content string) *migration.FileSource {
	t.Helper()
	src := migration.NewFileSource(t.TempDir())
	require.NoError(t, os.WriteFile(src.Path, []byte(content), 0o600))
	return src
}

func newLayer(s alarm.TxStore) *query.Layer {
	return query.NewLayer(s, nil, query.Options{})
}

func TestMigrateLegacy_NotNeededWithoutBlob(t *testing.T) {
	layer := newLayer(store.NewMemory())
	e := migration.NewEngine(layer, migration.NewFileSource(t.TempDir()), nil, nil)

	res, err := e.MigrateLegacy(context.Background())

	require.NoError(t, err)
	assert.Equal(t, migration.StateNotNeeded, res.State)
	assert.Equal(t, []migration.State{migration.StateNotNeeded}, res.Transitions)
}

func TestMigrateLegacy_FullRun(t *testing.T) {
	// GIVEN: A blob with two alarms sharing a template, one bad weekday and
	// one repeated id
	ctx := context.Background()
	layer := newLayer(store.NewMemory())
	src := writeBlob(t, legacyBlob)
	e := migration.NewEngine(layer, src, nil, nil)

	// WHEN: The migration runs
	res, err := e.MigrateLegacy(ctx)

	// THEN: Good records migrate, bad ones are reported, the blob is gone
	require.NoError(t, err)
	assert.Equal(t, migration.StateCleaned, res.State)
	assert.Equal(t, []migration.State{
		migration.StateNotNeeded, migration.StateFullInit, migration.StateValidated, migration.StateCleaned,
	}, res.Transitions)
	assert.ElementsMatch(t, []alarm.ID{"L1", "L2", "L4"}, res.Migrated)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, 2, res.Failures[0].Index)
	assert.ErrorIs(t, res.Failures[0].Err, alarm.ErrValidation)
	assert.Equal(t, 4, res.Failures[1].Index)
	assert.ErrorIs(t, res.Failures[1].Err, alarm.ErrDuplicateID)
	assert.Equal(t, 1, res.TemplatesCreated)
	assert.True(t, decimal.RequireFromString("0.6").Equal(res.SuccessRate()))

	_, statErr := os.Stat(src.Path)
	assert.True(t, os.IsNotExist(statErr))

	// Dedup key: one template referenced by both alarms
	templates, err := layer.FetchTemplates(ctx, alarm.Query{})
	require.NoError(t, err)
	require.Len(t, templates, 1)
	back, err := layer.AlarmsForTemplate(ctx, templates[0].ID)
	require.NoError(t, err)
	assert.Len(t, back, 2)

	l1, err := layer.GetAlarm(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, alarm.Workweek, l1.Repeat())
	assert.Equal(t, "weekdays", l1.Describe())
	l4, err := layer.GetAlarm(ctx, "L4")
	require.NoError(t, err)
	assert.True(t, l4.OneShot())
	assert.False(t, l4.Enabled)
}

func TestMigrateLegacy_Idempotent(t *testing.T) {
	ctx := context.Background()
	layer := newLayer(store.NewMemory())
	e := migration.NewEngine(layer, writeBlob(t, legacyBlob), nil, nil)

	_, err := e.MigrateLegacy(ctx)
	require.NoError(t, err)
	before, err := layer.CountAlarms(ctx, alarm.Filter{})
	require.NoError(t, err)

	res, err := e.MigrateLegacy(ctx)

	require.NoError(t, err)
	assert.Equal(t, migration.StateNotNeeded, res.State)
	after, err := layer.CountAlarms(ctx, alarm.Filter{})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestMigrateLegacy_ReusesStoredTemplate(t *testing.T) {
	ctx := context.Background()
	layer := newLayer(store.NewMemory())
	existing := &alarm.Template{Name: "Morning commute", Scenario: alarm.ScenarioWork, DefaultTime: "07:30", RepeatType: alarm.RepeatWeekdays}
	require.NoError(t, layer.InsertTemplate(ctx, existing))
	e := migration.NewEngine(layer, writeBlob(t, legacyBlob), nil, nil)

	res, err := e.MigrateLegacy(ctx)

	require.NoError(t, err)
	assert.Zero(t, res.TemplatesCreated)
	assert.Equal(t, 1, res.TemplatesReused)
	l2, err := layer.GetAlarm(ctx, "L2")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, l2.TemplateID)
}

func TestMigrateLegacy_ExistingAlarmIDIsReported(t *testing.T) {
	ctx := context.Background()
	layer := newLayer(store.NewMemory())
	taken := &alarm.Alarm{ID: "L4", Time: alarm.TimeOfDay{Hour: 5}, Sound: alarm.DefaultSound}
	require.NoError(t, layer.InsertAlarm(ctx, taken))
	e := migration.NewEngine(layer, writeBlob(t, legacyBlob), nil, nil)

	res, err := e.MigrateLegacy(ctx)

	require.NoError(t, err)
	assert.ElementsMatch(t, []alarm.ID{"L1", "L2"}, res.Migrated)
	assert.Len(t, res.Failures, 3)
	got, err := layer.GetAlarm(ctx, "L4")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Time.Hour, "the stored alarm is untouched")
}

func TestMigrateLegacy_DecodeFailureKeepsBlob(t *testing.T) {
	ctx := context.Background()
	layer := newLayer(store.NewMemory())
	src := writeBlob(t, `{"alarms": `)
	e := migration.NewEngine(layer, src, nil, nil)

	res, err := e.MigrateLegacy(ctx)

	assert.ErrorIs(t, err, alarm.ErrDecode)
	assert.ErrorIs(t, err, alarm.ErrMigration)
	assert.Equal(t, migration.StateFailed, res.State)
	_, statErr := os.Stat(src.Path)
	assert.NoError(t, statErr, "blob survives for the next launch")
}

// commitFails runs fn and then refuses to commit.
type commitFails struct{ alarm.TxStore }

func (c commitFails) WithTx(ctx context.Context, fn func(alarm.Store) error) error {
	err := c.TxStore.WithTx(ctx, func(tx alarm.Store) error {
		if err := fn(tx); err != nil {
			return err
		}
		return fmt.Errorf("%w: disk full", alarm.ErrCommitFailed)
	})
	return err
}

func TestMigrateLegacy_CommitFailureRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	layer := newLayer(commitFails{mem})
	src := writeBlob(t, legacyBlob)
	e := migration.NewEngine(layer, src, nil, nil)

	res, err := e.MigrateLegacy(ctx)

	assert.ErrorIs(t, err, alarm.ErrCommitFailed)
	assert.Equal(t, migration.StateFailed, res.State)
	assert.Empty(t, res.Migrated)
	n, _ := mem.CountAlarms(ctx, alarm.Filter{})
	assert.Zero(t, n)
	tn, _ := mem.CountTemplates(ctx, alarm.Filter{})
	assert.Zero(t, tn)
	_, statErr := os.Stat(src.Path)
	assert.NoError(t, statErr)
}

// shortCount under-reports alarms to simulate a lost write.
type shortCount struct{ *query.Layer }

func (shortCount) CountAlarms(context.Context, alarm.Filter) (int, error) { return 0, nil }

func TestMigrateLegacy_CountShortfallKeepsBlob(t *testing.T) {
	ctx := context.Background()
	src := writeBlob(t, legacyBlob)
	e := migration.NewEngine(shortCount{newLayer(store.NewMemory())}, src, nil, nil)

	res, err := e.MigrateLegacy(ctx)

	assert.ErrorIs(t, err, alarm.ErrDataCorruption)
	assert.Equal(t, migration.StateFailed, res.State)
	assert.Contains(t, res.Transitions, migration.StateFullInit)
	assert.NotContains(t, res.Transitions, migration.StateValidated)
	_, statErr := os.Stat(src.Path)
	assert.NoError(t, statErr)
}

func TestMigrateLegacy_RedisSource(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	require.NoError(t, mr.Set(migration.LegacyRedisKey, legacyBlob))

	layer := newLayer(store.NewMemory())
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	e := migration.NewEngine(layer, migration.NewRedisSource(client, ""), factory.New(func() time.Time { return fixed }), nil)

	res, err := e.MigrateLegacy(ctx)

	require.NoError(t, err)
	assert.Equal(t, migration.StateCleaned, res.State)
	assert.False(t, mr.Exists(migration.LegacyRedisKey))
	l1, err := layer.GetAlarm(ctx, "L1")
	require.NoError(t, err)
	assert.True(t, fixed.Equal(l1.CreatedAt))
}

// =============================================================================
// CATALOG
// =============================================================================

func TestSyncCatalog(t *testing.T) {
	ctx := context.Background()
	layer := newLayer(store.NewMemory())
	e := migration.NewEngine(layer, nil, nil, nil)
	catalog := factory.DefaultCatalog()

	// First launch installs the whole catalog
	res, err := e.SyncCatalog(ctx, catalog)
	require.NoError(t, err)
	assert.Equal(t, []migration.State{migration.StateNotNeeded, migration.StateFullInit, migration.StateValidated}, res.Transitions)
	assert.Equal(t, catalog.Len(), res.TemplatesCreated)

	// Unchanged catalog stops at the diff
	res, err = e.SyncCatalog(ctx, catalog)
	require.NoError(t, err)
	assert.Equal(t, migration.StateIncrementalDiff, res.State)
	assert.Zero(t, res.TemplatesCreated)
	assert.Equal(t, catalog.Len(), res.TemplatesReused)

	// A new entry is added, an edited entry is left alone
	extended, err := factory.ParseCatalog([]byte(`{"scenarios": {
		"work": [
			{"name": "Morning commute", "default_time": "05:00", "repeat_type": "weekdays"},
			{"name": "Timesheet", "default_time": "17:00", "repeat_type": "weekly"}
		]
	}}`))
	require.NoError(t, err)
	res, err = e.SyncCatalog(ctx, extended)
	require.NoError(t, err)
	assert.Equal(t, migration.StateIncrementalApply, res.State)
	assert.Equal(t, 1, res.TemplatesCreated)

	n, err := layer.CountTemplates(ctx, alarm.Filter{})
	require.NoError(t, err)
	assert.Equal(t, catalog.Len()+1, n)
	commute, err := layer.Store().FindTemplate(ctx, alarm.TemplateKey{Name: "Morning commute", Scenario: alarm.ScenarioWork})
	require.NoError(t, err)
	assert.Equal(t, "07:30", commute.DefaultTime, "existing templates are never updated")
}

func TestSyncCatalog_ReportsInvalidEntries(t *testing.T) {
	layer := newLayer(store.NewMemory())
	e := migration.NewEngine(layer, nil, nil, nil)
	catalog, err := factory.ParseCatalog([]byte(`{"scenarios": {
		"work": [
			{"name": "Stand-up", "default_time": "09:45", "repeat_type": "weekdays"},
			{"name": "Late", "default_time": "26:00"}
		],
		"health": [
			{"name": "Stretch", "default_time": "nope"}
		]
	}}`))
	require.NoError(t, err)

	res, err := e.SyncCatalog(context.Background(), catalog)

	require.NoError(t, err)
	assert.Equal(t, 1, res.TemplatesCreated)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, 1, res.Failures[0].Index)
	assert.Equal(t, "work[1]", res.Failures[0].LegacyID)
	assert.Equal(t, 2, res.Failures[1].Index)
	assert.Equal(t, "health[0]", res.Failures[1].LegacyID)
	assert.ErrorIs(t, res.Failures[1].Err, alarm.ErrValidation)
}

func TestFileSource_Path(t *testing.T) {
	src := migration.NewFileSource("/var/lib/alarms")
	assert.Equal(t, filepath.Join("/var/lib/alarms", "savedAlarms.json"), src.Path)
	assert.Equal(t, "file:"+src.Path, src.String())
}
