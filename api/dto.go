/*
dto.go - Data Transfer Objects for API responses

PURPOSE:
  Defines the JSON structures the HTTP surface returns. They decouple the
  entity model from the wire contract: times are strings, repeat patterns
  are spelled out and the template back-collection is never embedded.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Response: Wrappers around lists or reports

SEE ALSO:
  - handlers.go: Uses these types
  - alarm/types.go: Entity model
*/
package api

import (
	"time"

	"github.com/warp/alarm-engine/alarm"
	"github.com/warp/alarm-engine/schedule"
)

// =============================================================================
// ALARMS
// =============================================================================

// AlarmDTO represents an alarm in API responses.
type AlarmDTO struct {
	ID               string  `json:"id"`
	Time             string  `json:"time"`
	Label            string  `json:"label"`
	Enabled          bool    `json:"enabled"`
	Sound            string  `json:"sound"`
	SnoozeEnabled    bool    `json:"snooze_enabled"`
	VibrationEnabled bool    `json:"vibration_enabled"`
	Weekdays         []int   `json:"weekdays"`
	Repeat           string  `json:"repeat"`
	TemplateID       string  `json:"template_id,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
	NextFire         *string `json:"next_fire,omitempty"`
}

func toAlarmDTO(a alarm.Alarm, now time.Time) AlarmDTO {
	days := a.Repeat().Days()
	weekdays := make([]int, len(days))
	for i, d := range days {
		weekdays[i] = int(d)
	}
	dto := AlarmDTO{
		ID:               string(a.ID),
		Time:             a.Time.String(),
		Label:            a.Label,
		Enabled:          a.Enabled,
		Sound:            a.Sound,
		SnoozeEnabled:    a.SnoozeEnabled,
		VibrationEnabled: a.VibrationEnabled,
		Weekdays:         weekdays,
		Repeat:           a.Describe(),
		TemplateID:       string(a.TemplateID),
		CreatedAt:        a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        a.UpdatedAt.Format(time.RFC3339),
	}
	if a.Enabled {
		next := schedule.Next(a, now).Format(time.RFC3339)
		dto.NextFire = &next
	}
	return dto
}

func toAlarmDTOs(alarms []alarm.Alarm, now time.Time) []AlarmDTO {
	dtos := make([]AlarmDTO, len(alarms))
	for i, a := range alarms {
		dtos[i] = toAlarmDTO(a, now)
	}
	return dtos
}

// AlarmPageResponse is one page of alarms plus the unpaged total.
type AlarmPageResponse struct {
	Items  []AlarmDTO `json:"items"`
	Offset int        `json:"offset"`
	Limit  int        `json:"limit"`
	Total  int        `json:"total"`
}

// PlanDTO is what the notifier would be told for one alarm.
type PlanDTO struct {
	AlarmID   string             `json:"alarm_id"`
	Enabled   bool               `json:"enabled"`
	Triggers  []schedule.Trigger `json:"triggers"`
	CancelIDs []string           `json:"cancel_ids"`
}

// =============================================================================
// TEMPLATES
// =============================================================================

// TemplateDTO represents a template in API responses.
type TemplateDTO struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Scenario       string `json:"scenario"`
	Category       string `json:"category,omitempty"`
	Icon           string `json:"icon,omitempty"`
	Description    string `json:"description,omitempty"`
	TimeLabel      string `json:"time_label,omitempty"`
	FrequencyLabel string `json:"frequency_label,omitempty"`
	DefaultTime    string `json:"default_time"`
	RepeatType     string `json:"repeat_type"`
	CreatedAt      string `json:"created_at"`
}

func toTemplateDTO(t alarm.Template) TemplateDTO {
	return TemplateDTO{
		ID:             string(t.ID),
		Name:           t.Name,
		Scenario:       string(t.Scenario),
		Category:       t.Category,
		Icon:           t.Icon,
		Description:    t.Description,
		TimeLabel:      t.TimeLabel,
		FrequencyLabel: t.FrequencyLabel,
		DefaultTime:    t.DefaultTime,
		RepeatType:     string(t.RepeatType),
		CreatedAt:      t.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// SCHEDULE & ADMIN
// =============================================================================

// NextResponse carries the next firing, or null when nothing is enabled.
type NextResponse struct {
	Next *schedule.Upcoming `json:"next"`
}

// IntegrityResponse wraps the integrity report with a verdict.
type IntegrityResponse struct {
	Clean  bool                  `json:"clean"`
	Issues int                   `json:"issues"`
	Report alarm.IntegrityReport `json:"report"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Kind      string `json:"kind"`
	Severity  string `json:"severity"`
	Retryable bool   `json:"retryable"`
}
