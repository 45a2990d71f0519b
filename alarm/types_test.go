package alarm_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/alarm-engine/alarm"
)

// =============================================================================
// REPEAT DESCRIPTIONS
// =============================================================================

func TestWeekdaySet_Describe(t *testing.T) {
	tests := []struct {
		name string
		set  alarm.WeekdaySet
		want string
	}{
		{"all seven days", alarm.NewWeekdaySet(alarm.Sunday, alarm.Monday, alarm.Tuesday, alarm.Wednesday, alarm.Thursday, alarm.Friday, alarm.Saturday), "every day"},
		{"monday to friday", alarm.NewWeekdaySet(alarm.Monday, alarm.Tuesday, alarm.Wednesday, alarm.Thursday, alarm.Friday), "weekdays"},
		{"saturday and sunday", alarm.NewWeekdaySet(alarm.Saturday, alarm.Sunday), "weekend"},
		{"empty", alarm.NoDays, "never"},
		{"arbitrary days sorted", alarm.NewWeekdaySet(alarm.Friday, alarm.Monday, alarm.Wednesday), "Mon, Wed, Fri"},
		{"weekdays plus saturday", alarm.Workweek.With(alarm.Saturday), "Mon, Tue, Wed, Thu, Fri, Sat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.set.Describe())
		})
	}
}

func TestAlarm_Describe_FromRules(t *testing.T) {
	// GIVEN: An alarm with a rule for every weekday
	a := alarm.Alarm{ID: "a1"}
	a.SetRepeat(alarm.Everyday)

	// THEN: It reports "every day" and has seven sorted rules
	assert.Equal(t, "every day", a.Describe())
	require.Len(t, a.Rules, 7)
	for i, r := range a.Rules {
		assert.Equal(t, alarm.Weekday(i+1), r.Weekday)
		assert.Equal(t, alarm.ID("a1"), r.AlarmID)
	}
}

func TestWeekdaySet_WithWithout(t *testing.T) {
	s := alarm.NewWeekdaySet(alarm.Monday).With(alarm.Friday).With(alarm.Weekday(9))
	assert.True(t, s.Has(alarm.Monday))
	assert.True(t, s.Has(alarm.Friday))
	assert.False(t, s.Has(alarm.Weekday(9)))
	assert.Equal(t, 2, s.Len())

	s = s.Without(alarm.Monday)
	assert.Equal(t, []alarm.Weekday{alarm.Friday}, s.Days())
}

func TestWeekdayOf(t *testing.T) {
	// 2025-03-09 is a Sunday.
	sunday := time.Date(2025, time.March, 9, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, alarm.Sunday, alarm.WeekdayOf(sunday))
	assert.Equal(t, alarm.Saturday, alarm.WeekdayOf(sunday.AddDate(0, 0, 6)))
	assert.Equal(t, time.Friday, alarm.Friday.Time())
}

func TestParseWeekday(t *testing.T) {
	d, err := alarm.ParseWeekday("wed")
	require.NoError(t, err)
	assert.Equal(t, alarm.Wednesday, d)

	d, err = alarm.ParseWeekday("7")
	require.NoError(t, err)
	assert.Equal(t, alarm.Saturday, d)

	_, err = alarm.ParseWeekday("0")
	assert.Error(t, err)
	_, err = alarm.ParseWeekday("someday")
	assert.Error(t, err)
}

// =============================================================================
// TIME OF DAY
// =============================================================================

func TestParseTimeOfDay(t *testing.T) {
	tod, err := alarm.ParseTimeOfDay("07:05")
	require.NoError(t, err)
	assert.Equal(t, alarm.TimeOfDay{Hour: 7, Minute: 5}, tod)
	assert.Equal(t, "07:05", tod.String())

	for _, bad := range []string{"", "7", "24:00", "12:60", "ab:cd", "-1:00"} {
		_, err := alarm.ParseTimeOfDay(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestTimeOfDay_On_UsesDateAndLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	day := time.Date(2025, time.June, 1, 23, 59, 0, 0, loc)

	got := alarm.TimeOfDay{Hour: 6, Minute: 30}.On(day)

	assert.Equal(t, time.Date(2025, time.June, 1, 6, 30, 0, 0, loc), got)
}

// =============================================================================
// TEMPLATE INSTANTIATION
// =============================================================================

func TestNewFromTemplate_RepeatTypes(t *testing.T) {
	// 2025-03-12 is a Wednesday.
	now := time.Date(2025, time.March, 12, 10, 0, 0, 0, time.UTC)
	base := alarm.Template{ID: "tpl", Name: "Stand-up", DefaultTime: "09:15", Scenario: alarm.ScenarioWork}

	tests := []struct {
		repeat alarm.RepeatType
		want   alarm.WeekdaySet
	}{
		{alarm.RepeatDaily, alarm.Everyday},
		{alarm.RepeatWeekdays, alarm.Workweek},
		{alarm.RepeatWeekly, alarm.NewWeekdaySet(alarm.Wednesday)},
		{alarm.RepeatMonthly, alarm.NoDays},
		{alarm.RepeatNever, alarm.NoDays},
	}
	for _, tt := range tests {
		t.Run(string(tt.repeat), func(t *testing.T) {
			tpl := base
			tpl.RepeatType = tt.repeat

			a, err := alarm.NewFromTemplate(tpl, now)

			require.NoError(t, err)
			assert.Equal(t, tt.want, a.Repeat())
			assert.Equal(t, alarm.TimeOfDay{Hour: 9, Minute: 15}, a.Time)
			assert.Equal(t, "Stand-up", a.Label)
			assert.Equal(t, alarm.ID("tpl"), a.TemplateID)
			assert.True(t, a.Enabled)
			assert.NoError(t, alarm.ValidateAlarm(a))
		})
	}
}

func TestNewFromTemplate_BadDefaultTime(t *testing.T) {
	_, err := alarm.NewFromTemplate(alarm.Template{DefaultTime: "noon"}, time.Now())
	assert.ErrorIs(t, err, alarm.ErrValidation)
}

func TestSetRepeat_KeepsRuleIdentity(t *testing.T) {
	a := alarm.Alarm{ID: "a1"}
	a.SetRepeat(alarm.NewWeekdaySet(alarm.Monday, alarm.Friday))
	mondayRule := a.Rules[0].ID

	a.SetRepeat(alarm.NewWeekdaySet(alarm.Monday, alarm.Tuesday))

	require.Len(t, a.Rules, 2)
	assert.Equal(t, mondayRule, a.Rules[0].ID)
	assert.Equal(t, alarm.Tuesday, a.Rules[1].Weekday)
}

func TestNormalize_FillsIdentities(t *testing.T) {
	a := alarm.Alarm{Rules: []alarm.RepeatRule{{Weekday: alarm.Friday}, {Weekday: alarm.Monday}}}

	a.Normalize()

	assert.False(t, a.ID.IsZero())
	require.Len(t, a.Rules, 2)
	assert.Equal(t, alarm.Monday, a.Rules[0].Weekday)
	for _, r := range a.Rules {
		assert.Equal(t, a.ID, r.AlarmID)
		assert.False(t, r.ID.IsZero())
	}
}

func TestClone_DoesNotShareRules(t *testing.T) {
	a := alarm.Alarm{ID: "a1"}
	a.SetRepeat(alarm.Weekend)

	c := a.Clone()
	c.Rules[0].Weekday = alarm.Wednesday

	assert.Equal(t, alarm.Sunday, a.Rules[0].Weekday)
}
