/*
Package alarm provides the entity model of the alarm engine.

PURPOSE:
  Domain types shared by every other package: alarms, their weekday repeat
  rules, and the reusable templates alarms can be created from. Storage,
  caching, migration and scheduling all speak in these types.

KEY CONCEPTS IN THIS FILE (types.go):
  - ID:          Opaque identity (UUID strings for new records)
  - Weekday:     1 = Sunday ... 7 = Saturday
  - WeekdaySet:  A repeat pattern as a 7-bit value
  - TimeOfDay:   Wall clock hour/minute, resolved to a date only when scheduling
  - Alarm:       A reminder with an optional repeat pattern and template reference
  - RepeatRule:  One weekday an Alarm recurs on, owned by exactly one Alarm
  - Template:    A preset keyed logically by (Name, Scenario)

OWNERSHIP:
  Alarm owns its RepeatRules (deleting the alarm deletes them).
  Alarm holds a nullable reference to a Template (deleting the template
  clears the reference, never the alarm). Template -> Alarms is derived by
  querying, never stored.

SEE ALSO:
  - store.go: Store and TxStore interfaces
  - errors.go: Error taxonomy
  - repeat.go: Repeat descriptions ("every day", "weekdays", ...)
*/
package alarm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// ID identifies alarms, rules and templates. The empty ID means "none".
type ID string

// NewID returns a fresh random identity.
func NewID() ID { return ID(uuid.NewString()) }

func (id ID) IsZero() bool   { return id == "" }
func (id ID) String() string { return string(id) }

// =============================================================================
// WEEKDAYS
// =============================================================================

// Weekday is a day of the week, 1 (Sunday) through 7 (Saturday).
type Weekday int

const (
	Sunday Weekday = iota + 1
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
)

var weekdayNames = [...]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

func (d Weekday) Valid() bool { return d >= Sunday && d <= Saturday }

func (d Weekday) String() string {
	if !d.Valid() {
		return "Weekday(" + strconv.Itoa(int(d)) + ")"
	}
	return weekdayNames[d-1]
}

// Time converts to the standard library weekday.
func (d Weekday) Time() time.Weekday { return time.Weekday(d - 1) }

// WeekdayOf returns the weekday of t in t's own location.
func WeekdayOf(t time.Time) Weekday { return Weekday(t.Weekday()) + 1 }

// ParseWeekday accepts short English names ("mon") or numbers ("2").
func ParseWeekday(s string) (Weekday, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if d := Weekday(n); d.Valid() {
			return d, nil
		}
		return 0, fmt.Errorf("weekday %d out of range", n)
	}
	for i, name := range weekdayNames {
		if strings.EqualFold(name, s) {
			return Weekday(i + 1), nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// WeekdaySet is a set of weekdays; bit (d-1) is set when d is a member.
type WeekdaySet uint8

const (
	NoDays   WeekdaySet = 0
	Everyday WeekdaySet = 0b1111111
	Workweek WeekdaySet = 0b0111110
	Weekend  WeekdaySet = 0b1000001
)

// NewWeekdaySet builds a set, ignoring out-of-range days.
func NewWeekdaySet(days ...Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s = s.With(d)
	}
	return s
}

func (s WeekdaySet) Has(d Weekday) bool { return d.Valid() && s&(1<<(d-1)) != 0 }
func (s WeekdaySet) Empty() bool        { return s&Everyday == 0 }

func (s WeekdaySet) With(d Weekday) WeekdaySet {
	if !d.Valid() {
		return s
	}
	return s | 1<<(d-1)
}

func (s WeekdaySet) Without(d Weekday) WeekdaySet {
	if !d.Valid() {
		return s
	}
	return s &^ (1 << (d - 1))
}

// Days returns the members in Sunday..Saturday order.
func (s WeekdaySet) Days() []Weekday {
	var days []Weekday
	for d := Sunday; d <= Saturday; d++ {
		if s.Has(d) {
			days = append(days, d)
		}
	}
	return days
}

func (s WeekdaySet) Len() int { return len(s.Days()) }

// =============================================================================
// TIME OF DAY
// =============================================================================

// TimeOfDay is a wall-clock fire time with no date attached.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:mm" (24h).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("time %q: want HH:mm", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("time %q: bad hour", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("time %q: bad minute", s)
	}
	t := TimeOfDay{Hour: hour, Minute: minute}
	if !t.Valid() {
		return TimeOfDay{}, fmt.Errorf("time %q out of range", s)
	}
	return t, nil
}

func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// Minutes since midnight, used for ordering.
func (t TimeOfDay) Minutes() int { return t.Hour*60 + t.Minute }

// On returns the instant at t on day's calendar date, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, day.Location())
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// =============================================================================
// ALARM & REPEAT RULE
// =============================================================================

// RepeatRule is one weekday an alarm recurs on.
type RepeatRule struct {
	ID      ID      `json:"id"`
	Weekday Weekday `json:"weekday"`
	AlarmID ID      `json:"alarm_id"`
}

// Alarm is a user reminder. Zero rules means one-shot.
type Alarm struct {
	ID               ID           `json:"id"`
	Time             TimeOfDay    `json:"time"`
	Label            string       `json:"label"`
	Enabled          bool         `json:"enabled"`
	Sound            string       `json:"sound"`
	SnoozeEnabled    bool         `json:"snooze_enabled"`
	VibrationEnabled bool         `json:"vibration_enabled"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	TemplateID       ID           `json:"template_id,omitempty"`
	Rules            []RepeatRule `json:"rules"`
}

// Repeat returns the alarm's repeat pattern.
func (a Alarm) Repeat() WeekdaySet {
	var s WeekdaySet
	for _, r := range a.Rules {
		s = s.With(r.Weekday)
	}
	return s
}

func (a Alarm) OneShot() bool { return len(a.Rules) == 0 }

// SetRepeat replaces the rules with one per day in days. Rules for days that
// stay keep their identity.
func (a *Alarm) SetRepeat(days WeekdaySet) {
	existing := make(map[Weekday]ID, len(a.Rules))
	for _, r := range a.Rules {
		existing[r.Weekday] = r.ID
	}
	rules := make([]RepeatRule, 0, days.Len())
	for _, d := range days.Days() {
		id, ok := existing[d]
		if !ok {
			id = NewID()
		}
		rules = append(rules, RepeatRule{ID: id, Weekday: d, AlarmID: a.ID})
	}
	a.Rules = rules
}

// Normalize assigns missing identities, claims ownership of unowned rules
// and sorts rules by weekday. Stores call it before validating.
func (a *Alarm) Normalize() {
	if a.ID.IsZero() {
		a.ID = NewID()
	}
	for i := range a.Rules {
		if a.Rules[i].ID.IsZero() {
			a.Rules[i].ID = NewID()
		}
		if a.Rules[i].AlarmID.IsZero() {
			a.Rules[i].AlarmID = a.ID
		}
	}
	SortRules(a.Rules)
}

// Clone returns a copy that shares no slices with a.
func (a Alarm) Clone() Alarm {
	c := a
	if a.Rules != nil {
		c.Rules = append([]RepeatRule(nil), a.Rules...)
	}
	return c
}

// Describe returns the repeat description, e.g. "weekdays".
func (a Alarm) Describe() string { return a.Repeat().Describe() }

func SortRules(rules []RepeatRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Weekday != rules[j].Weekday {
			return rules[i].Weekday < rules[j].Weekday
		}
		return rules[i].ID < rules[j].ID
	})
}

// =============================================================================
// TEMPLATE
// =============================================================================

// RepeatType is a template's suggested cadence.
type RepeatType string

const (
	RepeatNever     RepeatType = "never"
	RepeatDaily     RepeatType = "daily"
	RepeatWeekdays  RepeatType = "weekdays"
	RepeatWeekly    RepeatType = "weekly"
	RepeatMonthly   RepeatType = "monthly"
	RepeatYearly    RepeatType = "yearly"
	RepeatQuarterly RepeatType = "quarterly"
	RepeatInterval  RepeatType = "interval"
	RepeatHourly    RepeatType = "hourly"
	RepeatTimer     RepeatType = "timer"
	RepeatCustom    RepeatType = "custom"
	RepeatCountdown RepeatType = "countdown"
	RepeatMultiple  RepeatType = "multiple"
)

var repeatTypes = map[RepeatType]bool{
	RepeatNever: true, RepeatDaily: true, RepeatWeekdays: true, RepeatWeekly: true,
	RepeatMonthly: true, RepeatYearly: true, RepeatQuarterly: true, RepeatInterval: true,
	RepeatHourly: true, RepeatTimer: true, RepeatCustom: true, RepeatCountdown: true,
	RepeatMultiple: true,
}

func (r RepeatType) Valid() bool { return repeatTypes[r] }

// Scenario groups templates by life domain.
type Scenario string

const (
	ScenarioWork    Scenario = "work"
	ScenarioStudy   Scenario = "study"
	ScenarioHealth  Scenario = "health"
	ScenarioFitness Scenario = "fitness"
	ScenarioFamily  Scenario = "family"
	ScenarioTravel  Scenario = "travel"
	ScenarioFinance Scenario = "finance"
	ScenarioHome    Scenario = "home"
	ScenarioSocial  Scenario = "social"
	ScenarioHobby   Scenario = "hobby"
	ScenarioOther   Scenario = "other"
)

// Scenarios lists every scenario in presentation order.
var Scenarios = []Scenario{
	ScenarioWork, ScenarioStudy, ScenarioHealth, ScenarioFitness, ScenarioFamily,
	ScenarioTravel, ScenarioFinance, ScenarioHome, ScenarioSocial, ScenarioHobby,
	ScenarioOther,
}

func (s Scenario) Valid() bool {
	for _, v := range Scenarios {
		if v == s {
			return true
		}
	}
	return false
}

// TemplateKey is the logical identity of a template.
type TemplateKey struct {
	Name     string
	Scenario Scenario
}

func (k TemplateKey) String() string { return string(k.Scenario) + "/" + k.Name }

// Template is a reusable alarm preset.
type Template struct {
	ID             ID         `json:"id"`
	Name           string     `json:"name"`
	Category       string     `json:"category"`
	Icon           string     `json:"icon"`
	Description    string     `json:"description"`
	TimeLabel      string     `json:"time_label"`
	FrequencyLabel string     `json:"frequency_label"`
	DefaultTime    string     `json:"default_time"`
	RepeatType     RepeatType `json:"repeat_type"`
	Scenario       Scenario   `json:"scenario"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (t Template) Key() TemplateKey { return TemplateKey{Name: t.Name, Scenario: t.Scenario} }

// SuggestedRepeat maps the template cadence onto a weekday pattern.
// Cadences that weekdays cannot express produce a one-shot alarm.
func (t Template) SuggestedRepeat(now time.Time) WeekdaySet {
	switch t.RepeatType {
	case RepeatDaily:
		return Everyday
	case RepeatWeekdays:
		return Workweek
	case RepeatWeekly:
		return NewWeekdaySet(WeekdayOf(now))
	default:
		return NoDays
	}
}

// NewFromTemplate pre-fills an enabled alarm from t.
func NewFromTemplate(t Template, now time.Time) (Alarm, error) {
	tod, err := ParseTimeOfDay(t.DefaultTime)
	if err != nil {
		return Alarm{}, &ValidationError{Entity: "template", Field: "default_time", Reason: err.Error()}
	}
	a := Alarm{
		ID:               NewID(),
		Time:             tod,
		Label:            t.Name,
		Enabled:          true,
		Sound:            DefaultSound,
		SnoozeEnabled:    true,
		VibrationEnabled: true,
		CreatedAt:        now,
		UpdatedAt:        now,
		TemplateID:       t.ID,
	}
	a.SetRepeat(t.SuggestedRepeat(now))
	return a, nil
}

// DefaultSound is used when a record carries no sound reference.
const DefaultSound = "default"
