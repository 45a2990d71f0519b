package schedule

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/warp/alarm-engine/alarm"
)

// MaxPreview caps how many instants PreviewTemplate returns.
const MaxPreview = 50

// Preview is the suggested firing pattern of a template.
type Preview struct {
	TemplateID alarm.ID         `json:"template_id"`
	RepeatType alarm.RepeatType `json:"repeat_type"`
	// Rule is the RRULE the instants came from, empty for one-shot cadences.
	Rule     string      `json:"rule,omitempty"`
	Instants []time.Time `json:"instants"`
}

var workweek = []rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR}

// recurrence maps a repeat type onto an RRULE frequency. ok is false for
// cadences that fire once.
func recurrence(rt alarm.RepeatType) (opt rrule.ROption, ok bool) {
	switch rt {
	case alarm.RepeatDaily:
		return rrule.ROption{Freq: rrule.DAILY}, true
	case alarm.RepeatWeekdays:
		return rrule.ROption{Freq: rrule.WEEKLY, Byweekday: workweek}, true
	case alarm.RepeatWeekly:
		return rrule.ROption{Freq: rrule.WEEKLY}, true
	case alarm.RepeatMonthly:
		return rrule.ROption{Freq: rrule.MONTHLY}, true
	case alarm.RepeatQuarterly:
		return rrule.ROption{Freq: rrule.MONTHLY, Interval: 3}, true
	case alarm.RepeatYearly:
		return rrule.ROption{Freq: rrule.YEARLY}, true
	case alarm.RepeatHourly:
		return rrule.ROption{Freq: rrule.HOURLY}, true
	}
	return rrule.ROption{}, false
}

// PreviewTemplate lists the next n instants after from at which an alarm
// created from t would fire if it followed t's cadence. One-shot cadences
// yield a single instant.
func PreviewTemplate(t alarm.Template, from time.Time, n int) (Preview, error) {
	p := Preview{TemplateID: t.ID, RepeatType: t.RepeatType}
	tod, err := alarm.ParseTimeOfDay(t.DefaultTime)
	if err != nil {
		return p, &alarm.ValidationError{Entity: "template", Field: "default_time", Reason: err.Error()}
	}
	if n <= 0 {
		return p, nil
	}
	if n > MaxPreview {
		n = MaxPreview
	}

	opt, ok := recurrence(t.RepeatType)
	if !ok {
		p.Instants = []time.Time{NextOccurrence(tod, alarm.NoDays, from)}
		return p, nil
	}

	start := tod.On(from)
	if opt.Freq == rrule.HOURLY && !start.After(from) {
		hours := int(from.Sub(start)/time.Hour) + 1
		start = start.Add(time.Duration(hours) * time.Hour)
	}
	opt.Dtstart = start
	// The first occurrence on from's date may already have passed.
	opt.Count = n + 1

	r, err := rrule.NewRRule(opt)
	if err != nil {
		return p, fmt.Errorf("template %s: recurrence: %w", t.ID, err)
	}
	p.Rule = r.OrigOptions.RRuleString()
	for _, at := range r.All() {
		if len(p.Instants) == n {
			break
		}
		if at.After(from) {
			p.Instants = append(p.Instants, at)
		}
	}
	return p, nil
}
