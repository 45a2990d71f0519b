/*
Package schedule computes when alarms fire and what the external notifier
must arm or cancel. It never talks to the store directly; the Service is fed
through query.Observer and its own periodic resync.

NEXT OCCURRENCE:
  One-shot:  today at the fire time if still ahead, else tomorrow
  Recurring: today if its weekday repeats and the time is ahead, else the
             first repeating day in the following seven

  Days are stepped with time.Date in now's location, so a DST change keeps
  the wall-clock fire time.

TRIGGERS:
  A one-shot alarm owns one trigger "<alarmID>". A recurring alarm owns one
  trigger "<alarmID>-<weekday>" per rule. Cancel sets are derived from the
  rules the alarm has now.

SEE ALSO:
  - schedule/trigger.go: Arm plans and cancel sets
  - schedule/service.go: Notifier fan-out and resync loop
*/
package schedule

import (
	"sort"
	"time"

	"github.com/warp/alarm-engine/alarm"
)

// NextOccurrence returns the first instant strictly after now at which an
// alarm at tod repeating on days fires.
func NextOccurrence(tod alarm.TimeOfDay, days alarm.WeekdaySet, now time.Time) time.Time {
	today := tod.On(now)

	if days.Empty() {
		if today.After(now) {
			return today
		}
		return dayAt(now, 1, tod)
	}

	if days.Has(alarm.WeekdayOf(now)) && today.After(now) {
		return today
	}
	for i := 1; i <= 7; i++ {
		candidate := dayAt(now, i, tod)
		if days.Has(alarm.WeekdayOf(candidate)) {
			return candidate
		}
	}
	// Unreachable for a non-empty set.
	return today
}

func dayAt(now time.Time, offset int, tod alarm.TimeOfDay) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+offset, tod.Hour, tod.Minute, 0, 0, now.Location())
}

// Next returns a's next fire instant.
func Next(a alarm.Alarm, now time.Time) time.Time {
	return NextOccurrence(a.Time, a.Repeat(), now)
}

// Upcoming is the next firing of one alarm.
type Upcoming struct {
	AlarmID   alarm.ID  `json:"alarm_id"`
	Label     string    `json:"label"`
	At        time.Time `json:"at"`
	TriggerID string    `json:"trigger_identifier"`
	Repeat    string    `json:"repeat"`
}

func upcoming(a alarm.Alarm, now time.Time) Upcoming {
	at := Next(a, now)
	id := string(a.ID)
	if !a.OneShot() {
		id = TriggerID(a.ID, alarm.WeekdayOf(at))
	}
	return Upcoming{AlarmID: a.ID, Label: a.Label, At: at, TriggerID: id, Repeat: a.Describe()}
}

// NextAcross returns the earliest firing among the enabled alarms. Equal
// instants go to the lowest alarm ID. ok is false when nothing is enabled.
func NextAcross(alarms []alarm.Alarm, now time.Time) (u Upcoming, ok bool) {
	for _, a := range alarms {
		if !a.Enabled {
			continue
		}
		c := upcoming(a, now)
		if !ok || c.At.Before(u.At) || (c.At.Equal(u.At) && c.AlarmID < u.AlarmID) {
			u, ok = c, true
		}
	}
	return u, ok
}

// UpcomingWithin lists enabled alarms firing before now+window, soonest first.
func UpcomingWithin(alarms []alarm.Alarm, now time.Time, window time.Duration) []Upcoming {
	limit := now.Add(window)
	var out []Upcoming
	for _, a := range alarms {
		if !a.Enabled {
			continue
		}
		if c := upcoming(a, now); !c.At.After(limit) {
			out = append(out, c)
		}
	}
	sortUpcoming(out)
	return out
}

func sortUpcoming(us []Upcoming) {
	sort.Slice(us, func(i, j int) bool {
		if !us[i].At.Equal(us[j].At) {
			return us[i].At.Before(us[j].At)
		}
		return us[i].AlarmID < us[j].AlarmID
	})
}
