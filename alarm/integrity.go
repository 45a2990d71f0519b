package alarm

import (
	"context"
	"fmt"
)

// DanglingRef is an alarm pointing at a template that does not exist.
type DanglingRef struct {
	AlarmID    ID `json:"alarm_id"`
	TemplateID ID `json:"template_id"`
}

// IntegrityReport lists corruption found by CheckIntegrity. Findings are
// data, not errors: the store keeps working in a degraded sense.
type IntegrityReport struct {
	Alarms            int           `json:"alarms"`
	Rules             int           `json:"rules"`
	Templates         int           `json:"templates"`
	OrphanRules       []RepeatRule  `json:"orphan_rules,omitempty"`
	InvalidWeekdays   []RepeatRule  `json:"invalid_weekdays,omitempty"`
	DuplicateWeekdays []RepeatRule  `json:"duplicate_weekdays,omitempty"`
	DanglingTemplates []DanglingRef `json:"dangling_templates,omitempty"`
}

func (r IntegrityReport) Issues() int {
	return len(r.OrphanRules) + len(r.InvalidWeekdays) + len(r.DuplicateWeekdays) + len(r.DanglingTemplates)
}

func (r IntegrityReport) Clean() bool { return r.Issues() == 0 }

// Err summarizes the findings as an Integrity error, nil when clean.
func (r IntegrityReport) Err() error {
	if r.Clean() {
		return nil
	}
	return fmt.Errorf("%w: %d orphan rules, %d invalid weekdays, %d duplicate weekdays, %d dangling template refs",
		ErrIntegrity, len(r.OrphanRules), len(r.InvalidWeekdays), len(r.DuplicateWeekdays), len(r.DanglingTemplates))
}

// CheckIntegrity scans the store for orphaned rules, rules with weekdays
// outside [1,7], repeated weekdays on one alarm, and alarms referencing
// missing templates. The returned error is only for failures to read.
func CheckIntegrity(ctx context.Context, s Store) (IntegrityReport, error) {
	var report IntegrityReport

	alarms, err := s.FetchAlarms(ctx, Query{})
	if err != nil {
		return report, fmt.Errorf("integrity: list alarms: %w", err)
	}
	templates, err := s.FetchTemplates(ctx, Query{})
	if err != nil {
		return report, fmt.Errorf("integrity: list templates: %w", err)
	}
	rules, err := s.RepeatRules(ctx)
	if err != nil {
		return report, fmt.Errorf("integrity: list rules: %w", err)
	}
	report.Alarms, report.Templates, report.Rules = len(alarms), len(templates), len(rules)

	alarmIDs := make(map[ID]bool, len(alarms))
	for _, a := range alarms {
		alarmIDs[a.ID] = true
	}
	templateIDs := make(map[ID]bool, len(templates))
	for _, t := range templates {
		templateIDs[t.ID] = true
	}

	seen := make(map[ID]WeekdaySet)
	for _, r := range rules {
		switch {
		case r.AlarmID.IsZero() || !alarmIDs[r.AlarmID]:
			report.OrphanRules = append(report.OrphanRules, r)
		case !r.Weekday.Valid():
			report.InvalidWeekdays = append(report.InvalidWeekdays, r)
		case seen[r.AlarmID].Has(r.Weekday):
			report.DuplicateWeekdays = append(report.DuplicateWeekdays, r)
		default:
			seen[r.AlarmID] = seen[r.AlarmID].With(r.Weekday)
		}
	}

	for _, a := range alarms {
		if !a.TemplateID.IsZero() && !templateIDs[a.TemplateID] {
			report.DanglingTemplates = append(report.DanglingTemplates, DanglingRef{AlarmID: a.ID, TemplateID: a.TemplateID})
		}
	}
	return report, nil
}
