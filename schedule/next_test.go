package schedule_test

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/alarm-engine/alarm"
	"github.com/warp/alarm-engine/schedule"
)

// 2025-01-15 is a Wednesday.
func at(day, hour, minute int) time.Time {
	return time.Date(2025, time.January, day, hour, minute, 0, 0, time.UTC)
}

func TestNextOccurrence(t *testing.T) {
	monFri := alarm.NewWeekdaySet(alarm.Monday, alarm.Friday)

	tests := []struct {
		name string
		tod  alarm.TimeOfDay
		days alarm.WeekdaySet
		now  time.Time
		want time.Time
	}{
		{"one-shot later today", alarm.TimeOfDay{Hour: 9}, alarm.NoDays, at(15, 8, 0), at(15, 9, 0)},
		{"one-shot already passed", alarm.TimeOfDay{Hour: 9}, alarm.NoDays, at(15, 10, 0), at(16, 9, 0)},
		{"one-shot exactly now", alarm.TimeOfDay{Hour: 9}, alarm.NoDays, at(15, 9, 0), at(16, 9, 0)},
		{"recurring skips to friday", alarm.TimeOfDay{Hour: 7}, monFri, at(15, 12, 0), at(17, 7, 0)},
		{"recurring same day", alarm.TimeOfDay{Hour: 7}, monFri, at(17, 6, 0), at(17, 7, 0)},
		{"recurring wraps the week", alarm.TimeOfDay{Hour: 7}, monFri, at(17, 8, 0), at(20, 7, 0)},
		{"only today, already passed", alarm.TimeOfDay{Hour: 7}, alarm.NewWeekdaySet(alarm.Wednesday), at(15, 12, 0), at(22, 7, 0)},
		{"every day", alarm.TimeOfDay{Hour: 23, Minute: 59}, alarm.Everyday, at(15, 23, 59), at(16, 23, 59)},
		{"month boundary", alarm.TimeOfDay{Hour: 6, Minute: 30}, alarm.NewWeekdaySet(alarm.Saturday), at(31, 12, 0), time.Date(2025, time.February, 1, 6, 30, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := schedule.NextOccurrence(tt.tod, tt.days, tt.now)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.After(tt.now))
		})
	}
}

func TestNextOccurrence_KeepsWallClockAcrossDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	// Clocks spring forward on 2025-03-09.
	now := time.Date(2025, time.March, 8, 8, 0, 0, 0, ny)

	got := schedule.NextOccurrence(alarm.TimeOfDay{Hour: 7}, alarm.Everyday, now)

	assert.Equal(t, 9, got.Day())
	assert.Equal(t, 7, got.Hour())
	assert.Equal(t, 23*time.Hour, got.Sub(now))
}

func TestNextAcross(t *testing.T) {
	now := at(15, 12, 0)
	alarms := []alarm.Alarm{
		{ID: "c", Time: alarm.TimeOfDay{Hour: 13}, Enabled: true},
		{ID: "a", Time: alarm.TimeOfDay{Hour: 12, Minute: 30}, Enabled: false},
		{ID: "b", Time: alarm.TimeOfDay{Hour: 13}, Enabled: true},
	}

	u, ok := schedule.NextAcross(alarms, now)

	require.True(t, ok)
	assert.Equal(t, alarm.ID("b"), u.AlarmID, "ties go to the lowest id")
	assert.Equal(t, at(15, 13, 0), u.At)
	assert.Equal(t, "b", u.TriggerID)
	assert.Equal(t, "never", u.Repeat)

	_, ok = schedule.NextAcross(alarms[1:2], now)
	assert.False(t, ok)
}

func TestNextAcross_RecurringTriggerID(t *testing.T) {
	a := alarm.Alarm{ID: "x", Time: alarm.TimeOfDay{Hour: 7}, Enabled: true}
	a.SetRepeat(alarm.NewWeekdaySet(alarm.Monday, alarm.Friday))

	u, ok := schedule.NextAcross([]alarm.Alarm{a}, at(15, 12, 0))

	require.True(t, ok)
	assert.Equal(t, schedule.TriggerID("x", alarm.Friday), u.TriggerID)
	assert.Equal(t, "x-6", u.TriggerID)
}

func TestUpcomingWithin(t *testing.T) {
	now := at(15, 12, 0)
	alarms := []alarm.Alarm{
		{ID: "late", Time: alarm.TimeOfDay{Hour: 20}, Enabled: true},
		{ID: "soon", Time: alarm.TimeOfDay{Hour: 12, Minute: 15}, Enabled: true},
		{ID: "tomorrow", Time: alarm.TimeOfDay{Hour: 11}, Enabled: true},
		{ID: "off", Time: alarm.TimeOfDay{Hour: 13}},
	}

	got := schedule.UpcomingWithin(alarms, now, 12*time.Hour)

	require.Len(t, got, 2)
	assert.Equal(t, alarm.ID("soon"), got[0].AlarmID)
	assert.Equal(t, alarm.ID("late"), got[1].AlarmID)
}

func TestArmPlanAndCancelIDs(t *testing.T) {
	oneShot := alarm.Alarm{ID: "one", Time: alarm.TimeOfDay{Hour: 6, Minute: 45}}
	assert.Equal(t, []schedule.Trigger{{ID: "one", Hour: 6, Minute: 45}}, schedule.ArmPlan(oneShot))
	assert.Equal(t, []string{"one"}, schedule.CancelIDs(oneShot))

	weekly := alarm.Alarm{ID: "rec", Time: alarm.TimeOfDay{Hour: 7}}
	weekly.SetRepeat(alarm.NewWeekdaySet(alarm.Friday, alarm.Monday))

	plan := schedule.ArmPlan(weekly)

	require.Len(t, plan, 2)
	assert.Equal(t, schedule.Trigger{ID: "rec-2", Hour: 7, Weekday: alarm.Monday, Repeats: true}, plan[0])
	assert.Equal(t, schedule.Trigger{ID: "rec-6", Hour: 7, Weekday: alarm.Friday, Repeats: true}, plan[1])
	assert.Equal(t, []string{"rec-2", "rec-6"}, schedule.CancelIDs(weekly))
}

func TestReschedule(t *testing.T) {
	old := alarm.Alarm{ID: "r", Time: alarm.TimeOfDay{Hour: 7}, Enabled: true}
	old.SetRepeat(alarm.Weekend)
	updated := old.Clone()
	updated.SetRepeat(alarm.NewWeekdaySet(alarm.Sunday))

	t.Run("rules shrink", func(t *testing.T) {
		p := schedule.Reschedule(&old, &updated)
		assert.Equal(t, []string{"r-1", "r-7"}, p.Cancel, "cancel set comes from the old rules")
		require.Len(t, p.Arm, 1)
		assert.Equal(t, "r-1", p.Arm[0].ID)
	})

	t.Run("disable", func(t *testing.T) {
		off := updated.Clone()
		off.Enabled = false
		p := schedule.Reschedule(&updated, &off)
		assert.Equal(t, []string{"r-1"}, p.Cancel)
		assert.Empty(t, p.Arm)
	})

	t.Run("insert", func(t *testing.T) {
		p := schedule.Reschedule(nil, &old)
		assert.Empty(t, p.Cancel)
		assert.Len(t, p.Arm, 2)
		assert.Equal(t, alarm.ID("r"), p.AlarmID)
	})

	t.Run("delete", func(t *testing.T) {
		p := schedule.Reschedule(&old, nil)
		assert.Len(t, p.Cancel, 2)
		assert.Empty(t, p.Arm)
	})

	t.Run("disabled insert does nothing", func(t *testing.T) {
		off := old.Clone()
		off.Enabled = false
		assert.True(t, schedule.Reschedule(nil, &off).Empty())
	})
}

func TestPreviewTemplate(t *testing.T) {
	from := at(15, 12, 0)

	tests := []struct {
		name     string
		repeat   alarm.RepeatType
		time     string
		n        int
		want     []time.Time
		wantRule string
	}{
		{"daily", alarm.RepeatDaily, "08:00", 3, []time.Time{at(16, 8, 0), at(17, 8, 0), at(18, 8, 0)}, "FREQ=DAILY"},
		{"daily later today", alarm.RepeatDaily, "18:00", 2, []time.Time{at(15, 18, 0), at(16, 18, 0)}, "FREQ=DAILY"},
		{"weekdays skip the weekend", alarm.RepeatWeekdays, "08:00", 3, []time.Time{at(16, 8, 0), at(17, 8, 0), at(20, 8, 0)}, "FREQ=WEEKLY"},
		{"hourly", alarm.RepeatHourly, "10:00", 2, []time.Time{at(15, 13, 0), at(15, 14, 0)}, "FREQ=HOURLY"},
		{"quarterly", alarm.RepeatQuarterly, "09:00", 2, []time.Time{
			time.Date(2025, time.April, 15, 9, 0, 0, 0, time.UTC),
			time.Date(2025, time.July, 15, 9, 0, 0, 0, time.UTC),
		}, "INTERVAL=3"},
		{"never fires once", alarm.RepeatNever, "08:00", 5, []time.Time{at(16, 8, 0)}, ""},
		{"timer fires once", alarm.RepeatTimer, "00:25", 3, []time.Time{at(16, 0, 25)}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := alarm.Template{ID: "t", Name: "x", Scenario: alarm.ScenarioOther, DefaultTime: tt.time, RepeatType: tt.repeat}

			p, err := schedule.PreviewTemplate(tpl, from, tt.n)

			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Instants)
			if tt.wantRule == "" {
				assert.Empty(t, p.Rule)
			} else {
				assert.Contains(t, p.Rule, tt.wantRule)
			}
		})
	}
}

func TestPreviewTemplate_Limits(t *testing.T) {
	tpl := alarm.Template{ID: "t", DefaultTime: "08:00", RepeatType: alarm.RepeatDaily}

	p, err := schedule.PreviewTemplate(tpl, at(15, 12, 0), 0)
	require.NoError(t, err)
	assert.Empty(t, p.Instants)

	p, err = schedule.PreviewTemplate(tpl, at(15, 12, 0), 1000)
	require.NoError(t, err)
	assert.Len(t, p.Instants, schedule.MaxPreview)

	tpl.DefaultTime = "8am"
	_, err = schedule.PreviewTemplate(tpl, at(15, 12, 0), 3)
	assert.ErrorIs(t, err, alarm.ErrValidation)
}
