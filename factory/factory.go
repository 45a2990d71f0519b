/*
Package factory converts external JSON feeds into alarm entities.

PURPOSE:
  Two feeds enter the engine as JSON: the legacy saved-alarms blob written
  by the previous app version, and the static template catalog. The factory
  decodes them, applies defaults and validates the result, so the migration
  engine only deals with alarm.Alarm and alarm.Template values.

LEGACY BLOB:
  [
    {
      "id": "A1B2",
      "time": "07:30",              // "HH:mm" or RFC3339
      "label": "Wake up",
      "enabled": true,
      "repeat_weekdays": [2, 3, 4, 5, 6],   // 1 = Sunday ... 7 = Saturday
      "sound": "radar",
      "snooze_enabled": true,
      "vibration_enabled": false,
      "template": {                 // optional
        "name": "Morning commute",
        "scenario": "work",
        "default_time": "07:30",
        "repeat_type": "weekdays",
        ...
      }
    }
  ]

CATALOG:
  {"scenarios": {"work": [ <template>, ... ], "health": [ ... ]}}

USAGE:
  f := factory.New(time.Now)
  records, err := factory.DecodeLegacy(blob)
  for _, rec := range records {
      a, err := f.LegacyAlarm(rec)
      ...
  }

SEE ALSO:
  - migration/engine.go: Consumer of both feeds
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/warp/alarm-engine/alarm"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// LegacyRecord is one alarm of the legacy blob.
type LegacyRecord struct {
	ID               string        `json:"id"`
	Time             string        `json:"time"`
	Label            string        `json:"label"`
	Enabled          bool          `json:"enabled"`
	RepeatWeekdays   []int         `json:"repeat_weekdays"`
	Sound            string        `json:"sound"`
	SnoozeEnabled    bool          `json:"snooze_enabled"`
	VibrationEnabled bool          `json:"vibration_enabled"`
	Template         *TemplateJSON `json:"template,omitempty"`
}

// TemplateJSON is a template as it appears in both feeds.
type TemplateJSON struct {
	Name           string `json:"name"`
	Category       string `json:"category"`
	Icon           string `json:"icon"`
	Description    string `json:"description"`
	TimeLabel      string `json:"time_label"`
	FrequencyLabel string `json:"frequency_label"`
	DefaultTime    string `json:"default_time"`
	RepeatType     string `json:"repeat_type"`
	Scenario       string `json:"scenario"`
}

// =============================================================================
// FACTORY
// =============================================================================

type Factory struct {
	now func() time.Time
}

func New(now func() time.Time) *Factory {
	if now == nil {
		now = time.Now
	}
	return &Factory{now: now}
}

// DecodeLegacy decodes the legacy blob. Any decoding failure is ErrDecode.
func DecodeLegacy(data []byte) ([]LegacyRecord, error) {
	var records []LegacyRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: legacy blob: %v", alarm.ErrDecode, err)
	}
	return records, nil
}

// LegacyAlarm converts one legacy record. The returned alarm has no
// template reference; the caller resolves rec.Template separately.
func (f *Factory) LegacyAlarm(rec LegacyRecord) (alarm.Alarm, error) {
	tod, err := parseLegacyTime(rec.Time)
	if err != nil {
		return alarm.Alarm{}, &alarm.ValidationError{Entity: "legacy alarm", Field: "time", Reason: err.Error()}
	}

	var days alarm.WeekdaySet
	for _, d := range rec.RepeatWeekdays {
		wd := alarm.Weekday(d)
		if !wd.Valid() {
			return alarm.Alarm{}, &alarm.ValidationError{
				Entity: "legacy alarm", Field: "repeat_weekdays",
				Reason: fmt.Sprintf("weekday %d outside 1..7", d),
			}
		}
		days = days.With(wd)
	}

	id := alarm.ID(strings.TrimSpace(rec.ID))
	if id.IsZero() {
		id = alarm.NewID()
	}
	sound := rec.Sound
	if sound == "" {
		sound = alarm.DefaultSound
	}

	now := f.now()
	a := alarm.Alarm{
		ID:               id,
		Time:             tod,
		Label:            rec.Label,
		Enabled:          rec.Enabled,
		Sound:            sound,
		SnoozeEnabled:    rec.SnoozeEnabled,
		VibrationEnabled: rec.VibrationEnabled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	a.SetRepeat(days)
	a.Normalize()
	if err := alarm.ValidateAlarm(a); err != nil {
		return alarm.Alarm{}, err
	}
	return a, nil
}

// parseLegacyTime accepts "HH:mm" and RFC3339 timestamps. A timestamp
// contributes its wall-clock hour and minute.
func parseLegacyTime(s string) (alarm.TimeOfDay, error) {
	s = strings.TrimSpace(s)
	if tod, err := alarm.ParseTimeOfDay(s); err == nil {
		return tod, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return alarm.TimeOfDay{}, fmt.Errorf("unrecognized time %q", s)
	}
	return alarm.TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Template converts a feed template. An empty repeat type means "never".
func (tj TemplateJSON) Template() (alarm.Template, error) {
	repeat := alarm.RepeatType(strings.ToLower(strings.TrimSpace(tj.RepeatType)))
	if repeat == "" {
		repeat = alarm.RepeatNever
	}
	t := alarm.Template{
		Name:           strings.TrimSpace(tj.Name),
		Category:       tj.Category,
		Icon:           tj.Icon,
		Description:    tj.Description,
		TimeLabel:      tj.TimeLabel,
		FrequencyLabel: tj.FrequencyLabel,
		DefaultTime:    strings.TrimSpace(tj.DefaultTime),
		RepeatType:     repeat,
		Scenario:       alarm.Scenario(strings.ToLower(strings.TrimSpace(tj.Scenario))),
	}
	// ValidateTemplate requires an ID; the store assigns the real one.
	probe := t
	probe.ID = "pending"
	if err := alarm.ValidateTemplate(probe); err != nil {
		return alarm.Template{}, err
	}
	return t, nil
}
