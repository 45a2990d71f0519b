package schedule

import (
	"fmt"

	"github.com/warp/alarm-engine/alarm"
)

// Trigger is one notification the external notifier should arm.
// Weekday is 0 for a one-shot trigger.
type Trigger struct {
	ID      string        `json:"trigger_identifier"`
	Hour    int           `json:"fire_hour"`
	Minute  int           `json:"fire_minute"`
	Weekday alarm.Weekday `json:"weekday"`
	Repeats bool          `json:"repeats"`
}

// TriggerID names the recurring trigger of alarm id on day.
func TriggerID(id alarm.ID, day alarm.Weekday) string {
	return fmt.Sprintf("%s-%d", id, int(day))
}

// ArmPlan lists the triggers a should have armed: one for a one-shot alarm,
// one per rule otherwise, in weekday order.
func ArmPlan(a alarm.Alarm) []Trigger {
	if a.OneShot() {
		return []Trigger{{ID: string(a.ID), Hour: a.Time.Hour, Minute: a.Time.Minute}}
	}
	days := a.Repeat().Days()
	plan := make([]Trigger, 0, len(days))
	for _, d := range days {
		plan = append(plan, Trigger{
			ID:      TriggerID(a.ID, d),
			Hour:    a.Time.Hour,
			Minute:  a.Time.Minute,
			Weekday: d,
			Repeats: true,
		})
	}
	return plan
}

// CancelIDs lists every trigger a's current state can have armed.
func CancelIDs(a alarm.Alarm) []string {
	plan := ArmPlan(a)
	ids := make([]string, len(plan))
	for i, t := range plan {
		ids[i] = t.ID
	}
	return ids
}

// Plan is the notifier work for one alarm change.
type Plan struct {
	AlarmID alarm.ID  `json:"alarm_id"`
	Cancel  []string  `json:"cancel,omitempty"`
	Arm     []Trigger `json:"arm,omitempty"`
}

func (p Plan) Empty() bool { return len(p.Cancel) == 0 && len(p.Arm) == 0 }

// Reschedule cancels everything old could have armed and arms next when it
// is enabled.
// Either side may be nil: old for an insert, next for a delete.
func Reschedule(old, next *alarm.Alarm) Plan {
	var p Plan
	if old != nil {
		p.AlarmID = old.ID
		p.Cancel = CancelIDs(*old)
	}
	if next != nil {
		p.AlarmID = next.ID
		if next.Enabled {
			p.Arm = ArmPlan(*next)
		}
	}
	return p
}
