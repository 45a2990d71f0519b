package alarm

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxLabelLength = 100
	MaxNameLength  = 100
	MaxTextLength  = 500
)

// ValidateAlarm checks a normalized alarm.
func ValidateAlarm(a Alarm) error {
	if a.ID.IsZero() {
		return &ValidationError{Entity: "alarm", Field: "id", Reason: "empty"}
	}
	if !a.Time.Valid() {
		return &ValidationError{Entity: "alarm", Field: "time", Reason: fmt.Sprintf("%d:%d out of range", a.Time.Hour, a.Time.Minute)}
	}
	if n := utf8.RuneCountInString(a.Label); n > MaxLabelLength {
		return &ValidationError{Entity: "alarm", Field: "label", Reason: fmt.Sprintf("%d characters, max %d", n, MaxLabelLength)}
	}
	var seen WeekdaySet
	for _, r := range a.Rules {
		if !r.Weekday.Valid() {
			return &ValidationError{Entity: "rule", Field: "weekday", Reason: fmt.Sprintf("%d not in [1,7]", int(r.Weekday))}
		}
		if seen.Has(r.Weekday) {
			return &ValidationError{Entity: "rule", Field: "weekday", Reason: "duplicate " + r.Weekday.String()}
		}
		if r.AlarmID != a.ID {
			return &ValidationError{Entity: "rule", Field: "alarm_id", Reason: "owned by another alarm"}
		}
		if r.ID.IsZero() {
			return &ValidationError{Entity: "rule", Field: "id", Reason: "empty"}
		}
		seen = seen.With(r.Weekday)
	}
	return nil
}

// ValidateTemplate checks a template before it is written.
func ValidateTemplate(t Template) error {
	if t.ID.IsZero() {
		return &ValidationError{Entity: "template", Field: "id", Reason: "empty"}
	}
	if t.Name == "" {
		return &ValidationError{Entity: "template", Field: "name", Reason: "empty"}
	}
	if n := utf8.RuneCountInString(t.Name); n > MaxNameLength {
		return &ValidationError{Entity: "template", Field: "name", Reason: fmt.Sprintf("%d characters, max %d", n, MaxNameLength)}
	}
	if utf8.RuneCountInString(t.Description) > MaxTextLength {
		return &ValidationError{Entity: "template", Field: "description", Reason: "too long"}
	}
	if !t.Scenario.Valid() {
		return &ValidationError{Entity: "template", Field: "scenario", Reason: fmt.Sprintf("unknown scenario %q", t.Scenario)}
	}
	if !t.RepeatType.Valid() {
		return &ValidationError{Entity: "template", Field: "repeat_type", Reason: fmt.Sprintf("unknown repeat type %q", t.RepeatType)}
	}
	if _, err := ParseTimeOfDay(t.DefaultTime); err != nil {
		return &ValidationError{Entity: "template", Field: "default_time", Reason: err.Error()}
	}
	return nil
}
