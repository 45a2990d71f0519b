// Package storetest is a conformance suite run against every alarm.TxStore.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/alarm-engine/alarm"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) alarm.TxStore

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := map[string]func(*testing.T, alarm.TxStore){
		"InsertAndGet":                 testInsertAndGet,
		"DuplicateAlarmID":             testDuplicateAlarmID,
		"ValidationBeforeWrite":        testValidationBeforeWrite,
		"UpdateReplacesRules":          testUpdateReplacesRules,
		"UpdateMissing":                testUpdateMissing,
		"DeleteAlarmCascadesRules":     testDeleteAlarmCascadesRules,
		"DeleteTemplateNullifiesRefs":  testDeleteTemplateNullifiesRefs,
		"TemplateDedupKey":             testTemplateDedupKey,
		"UnknownTemplateRef":           testUnknownTemplateRef,
		"FetchFilterSortPage":          testFetchFilterSortPage,
		"FetchByScenario":              testFetchByScenario,
		"TxCommit":                     testTxCommit,
		"TxRollbackOnError":            testTxRollbackOnError,
		"TxReadsOwnWrites":             testTxReadsOwnWrites,
		"NoOrphanRulesAfterOperations": testNoOrphanRulesAfterOperations,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			fn(t, newStore(t))
		})
	}
}

// NewAlarm builds a valid alarm at hh:mm repeating on days.
func NewAlarm(label string, hh, mm int, days ...alarm.Weekday) *alarm.Alarm {
	a := &alarm.Alarm{
		ID:      alarm.NewID(),
		Time:    alarm.TimeOfDay{Hour: hh, Minute: mm},
		Label:   label,
		Enabled: true,
		Sound:   alarm.DefaultSound,
	}
	a.SetRepeat(alarm.NewWeekdaySet(days...))
	return a
}

// NewTemplate builds a valid template.
func NewTemplate(name string, scenario alarm.Scenario) *alarm.Template {
	return &alarm.Template{
		Name:        name,
		Category:    "general",
		Icon:        "bell",
		DefaultTime: "08:00",
		RepeatType:  alarm.RepeatDaily,
		Scenario:    scenario,
	}
}

func testInsertAndGet(t *testing.T, s alarm.TxStore) {
	ctx := context.Background()
	a := NewAlarm("Wake up", 7, 0, alarm.Monday, alarm.Friday)

	require.NoError(t, s.InsertAlarm(ctx, a))
	assert.False(t, a.CreatedAt.IsZero(), "store stamps CreatedAt")
	assert.False(t, a.UpdatedAt.IsZero(), "store stamps UpdatedAt")

	got, err := s.GetAlarm(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Label, got.Label)
	assert.Equal(t, a.Time, got.Time)
	assert.Equal(t, alarm.NewWeekdaySet(alarm.Monday, alarm.Friday), got.Repeat())
	assert.True(t, a.CreatedAt.Equal(got.CreatedAt))

	_, err = s.GetAlarm(ctx, "missing")
	assert.ErrorIs(t, err, alarm.ErrNotFound)
}

func testDuplicateAlarmID(t *testing.T, s alarm.TxStore) {
	ctx := context.Background()
	a := NewAlarm("First", 6, 0)
	require.NoError(t, s.InsertAlarm(ctx, a))

	dup := NewAlarm("Second", 7, 0, alarm.Sunday)
	dup.ID = a.ID
	dup.SetRepeat(alarm.NewWeekdaySet(alarm.Sunday))

	err := s.InsertAlarm(ctx, dup)
	assert.ErrorIs(t, err, alarm.ErrDuplicateID)
	assert.Equal(t, alarm.KindConstraint, alarm.KindOf(err))

	got, err := s.GetAlarm(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "First", got.Label, "original survives")
	assert.True(t, got.OneShot())
}

func testValidationBeforeWrite(t *testing.T, s alarm.TxStore) {
	ctx := context.Background()
	a := NewAlarm("Bad", 7, 0)
	a.Rules = []alarm.RepeatRule{{Weekday: 0}}

	err := s.InsertAlarm(ctx, a)

	assert.ErrorIs(t, err, alarm.ErrValidation)
	n, err := s.CountAlarms(ctx, alarm.Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testUpdateReplacesRules(t *testing.T, s alarm.TxStore) {
	ctx := context.Background()
	a := NewAlarm("Gym", 18, 30, alarm.Monday, alarm.Wednesday)
	require.NoError(t, s.InsertAlarm(ctx, a))
	created := a.CreatedAt

	time.Sleep(2 * time.Millisecond)
	a.Label = "Gym (late)"
	a.Enabled = false
	a.SetRepeat(alarm.Weekend)
	require.NoError(t, s.UpdateAlarm(ctx, a))

	got, err := s.GetAlarm(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Gym (late)", got.Label)
	assert.False(t, got.Enabled)
	assert.Equal(t, alarm.Weekend, got.Repeat())
	assert.True(t, created.Equal(got.CreatedAt), "CreatedAt is preserved")
	assert.True(t, got.UpdatedAt.After(created), "UpdatedAt is refreshed")

	rules, err := s.RepeatRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 2, "old rules are gone")
}

func testUpdateMissing(t *testing.T, s alarm.TxStore) {
	err := s.UpdateAlarm(context.Background(), NewAlarm("Ghost", 1, 0))
	assert.ErrorIs(t, err, alarm.ErrNotFound)
}

func testDeleteAlarmCascadesRules(t *testing.T, s alarm.TxStore) {
	ctx := context.Background()
	tpl := NewTemplate("Meds", alarm.ScenarioHealth)
	require.NoError(t, s.InsertTemplate(ctx, tpl))
	a := NewAlarm("Meds", 8, 0, alarm.Monday, alarm.Tuesday, alarm.Wednesday)
	a.TemplateID = tpl.ID
	keep := NewAlarm("Keep", 9, 0, alarm.Monday)
	require.NoError(t, s.InsertAlarm(ctx, a))
	require.NoError(t, s.InsertAlarm(ctx, keep))

	require.NoError(t, s.DeleteAlarm(ctx, a.ID))

	rules, err := s.RepeatRules(ctx)
	require.NoError(t, err)
	for _, r := range rules {
		assert.NotEqual(t, a.ID, r.AlarmID, "no rule references the deleted alarm")
	}
	assert.Len(t, rules, 1)

	back, err := s.FetchAlarms(ctx, alarm.Query{Filter: alarm.Filter{TemplateID: tpl.ID}})
	require.NoError(t, err)
	assert.Empty(t, back, "template back-collection no longer lists the alarm")

	_, err = s.GetTemplate(ctx, tpl.ID)
	assert.NoError(t, err, "template survives")

	assert.ErrorIs(t, s.DeleteAlarm(ctx, a.ID), alarm.ErrNotFound)
}

func testDeleteTemplateNullifiesRefs(t *testing.T, s alarm.TxStore) {
	ctx := context.Background()
	tpl := NewTemplate("Water", alarm.ScenarioHealth)
	require.NoError(t, s.InsertTemplate(ctx, tpl))
	a1 := NewAlarm("Water 1", 10, 0)
	a1.TemplateID = tpl.ID
	a2 := NewAlarm("Water 2", 14, 0, alarm.Saturday)
	a2.TemplateID = tpl.ID
	require.NoError(t, s.InsertAlarm(ctx, a1))
	require.NoError(t, s.InsertAlarm(ctx, a2))

	require.NoError(t, s.DeleteTemplate(ctx, tpl.ID))

	all, err := s.FetchAlarms(ctx, alarm.Query{})
	require.NoError(t, err)
	require.Len(t, all, 2, "alarms are not deleted with their template")
	for _, a := range all {
		assert.True(t, a.TemplateID.IsZero())
	}
	_, err = s.GetTemplate(ctx, tpl.ID)
	assert.ErrorIs(t, err, alarm.ErrNotFound)

	report, err := alarm.CheckIntegrity(ctx, s)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func testTemplateDedupKey(t *testing.T, s alarm.TxStore) {
	ctx := context.Background()
	first := NewTemplate("Stand-up", alarm.ScenarioWork)
	require.NoError(t, s.InsertTemplate(ctx, first))

	err := s.InsertTemplate(ctx, NewTemplate("Stand-up", alarm.ScenarioWork))
	assert.ErrorIs(t, err, alarm.ErrDuplicateTemplate)

	require.NoError(t, s.InsertTemplate(ctx, NewTemplate("Stand-up", alarm.ScenarioStudy)), "same name in another scenario is a different key")

	found, err := s.FindTemplate(ctx, alarm.TemplateKey{Name: "Stand-up", Scenario: alarm.ScenarioWork})
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	_, err = s.FindTemplate(ctx, alarm.TemplateKey{Name: "Stand-up", Scenario: alarm.ScenarioHome})
	assert.ErrorIs(t, err, alarm.ErrNotFound)

	n, err := s.CountTemplates(ctx, alarm.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testUnknownTemplateRef(t *testing.T, s alarm.TxStore) {
	a := NewAlarm("Dangling", 5, 0)
	a.TemplateID = "no-such-template"

	err := s.InsertAlarm(context.Background(), a)

	assert.ErrorIs(t, err, alarm.ErrNotFound)
}

func testFetchFilterSortPage(t *testing.T, s alarm.TxStore) {
	ctx := context.Background()
	for i, hh := range []int{9, 6, 12, 7, 22} {
		a := NewAlarm("A", hh, 0)
		a.Enabled = i%2 == 0
		require.NoError(t, s.InsertAlarm(ctx, a))
	}

	all, err := s.FetchAlarms(ctx, alarm.Query{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	var hours []int
	for _, a := range all {
		hours = append(hours, a.Time.Hour)
	}
	assert.Equal(t, []int{6, 7, 9, 12, 22}, hours, "default order is time of day")

	enabled, err := s.FetchAlarms(ctx, alarm.Query{Filter: alarm.Filter{Enabled: alarm.Enabled(true)}})
	require.NoError(t, err)
	assert.Len(t, enabled, 3)

	n, err := s.CountAlarms(ctx, alarm.Filter{Enabled: alarm.Enabled(false)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	page, err := s.FetchAlarms(ctx, alarm.Query{Sort: alarm.Sort{Field: alarm.SortTime, Desc: true}, Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 12, page[0].Time.Hour)
	assert.Equal(t, 9, page[1].Time.Hour)

	beyond, err := s.FetchAlarms(ctx, alarm.Query{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func testFetchByScenario(t *testing.T, s alarm.TxStore) {
	ctx := context.Background()
	work := NewTemplate("Commute", alarm.ScenarioWork)
	health := NewTemplate("Vitamins", alarm.ScenarioHealth)
	require.NoError(t, s.InsertTemplate(ctx, work))
	require.NoError(t, s.InsertTemplate(ctx, health))

	a := NewAlarm("Commute", 7, 30, alarm.Monday)
	a.TemplateID = work.ID
	b := NewAlarm("Vitamins", 8, 0)
	b.TemplateID = health.ID
	c := NewAlarm("Plain", 9, 0)
	for _, x := range []*alarm.Alarm{a, b, c} {
		require.NoError(t, s.InsertAlarm(ctx, x))
	}

	got, err := s.FetchAlarms(ctx, alarm.Query{Filter: alarm.Filter{Scenario: alarm.ScenarioWork}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	tpls, err := s.FetchTemplates(ctx, alarm.Query{Filter: alarm.Filter{Scenario: alarm.ScenarioHealth}})
	require.NoError(t, err)
	require.Len(t, tpls, 1)
	assert.Equal(t, "Vitamins", tpls[0].Name)

	n, err := s.CountTemplates(ctx, alarm.Filter{Scenario: alarm.ScenarioTravel})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testTxCommit(t *testing.T, s alarm.TxStore) {
	ctx := context.Background()
	a1, a2 := NewAlarm("One", 1, 0), NewAlarm("Two", 2, 0, alarm.Tuesday)

	err := s.WithTx(ctx, func(tx alarm.Store) error {
		if err := tx.InsertAlarm(ctx, a1); err != nil {
			return err
		}
		return tx.InsertAlarm(ctx, a2)
	})
	require.NoError(t, err)

	n, err := s.CountAlarms(ctx, alarm.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testTxRollbackOnError(t *testing.T, s alarm.TxStore) {
	ctx := context.Background()
	existing := NewAlarm("Existing", 5, 0)
	require.NoError(t, s.InsertAlarm(ctx, existing))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx alarm.Store) error {
		if err := tx.InsertAlarm(ctx, NewAlarm("Lost", 6, 0, alarm.Monday)); err != nil {
			return err
		}
		if err := tx.DeleteAlarm(ctx, existing.ID); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	all, err := s.FetchAlarms(ctx, alarm.Query{})
	require.NoError(t, err)
	require.Len(t, all, 1, "no partial state survives")
	assert.Equal(t, existing.ID, all[0].ID)

	rules, err := s.RepeatRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func testTxReadsOwnWrites(t *testing.T, s alarm.TxStore) {
	ctx := context.Background()
	tpl := NewTemplate("Read", alarm.ScenarioHobby)

	err := s.WithTx(ctx, func(tx alarm.Store) error {
		if err := tx.InsertTemplate(ctx, tpl); err != nil {
			return err
		}
		found, err := tx.FindTemplate(ctx, tpl.Key())
		if err != nil {
			return err
		}
		a := NewAlarm("Read", 21, 0)
		a.TemplateID = found.ID
		return tx.InsertAlarm(ctx, a)
	})
	require.NoError(t, err)

	n, err := s.CountAlarms(ctx, alarm.Filter{TemplateID: tpl.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testNoOrphanRulesAfterOperations(t *testing.T, s alarm.TxStore) {
	ctx := context.Background()
	var ids []alarm.ID
	for i := 0; i < 4; i++ {
		a := NewAlarm("Loop", 6+i, 0, alarm.Monday, alarm.Thursday)
		require.NoError(t, s.InsertAlarm(ctx, a))
		ids = append(ids, a.ID)
	}
	a, err := s.GetAlarm(ctx, ids[0])
	require.NoError(t, err)
	a.SetRepeat(alarm.Everyday)
	require.NoError(t, s.UpdateAlarm(ctx, &a))
	require.NoError(t, s.DeleteAlarm(ctx, ids[1]))
	require.NoError(t, s.WithTx(ctx, func(tx alarm.Store) error { return tx.DeleteAlarm(ctx, ids[2]) }))

	report, err := alarm.CheckIntegrity(ctx, s)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "report: %+v", report)
	assert.Equal(t, 7+2, report.Rules)
}
