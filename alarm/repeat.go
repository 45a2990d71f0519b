package alarm

import "strings"

// Describe renders a repeat pattern for display.
//
//	all seven days     -> "every day"
//	Mon..Fri exactly   -> "weekdays"
//	Sat and Sun only   -> "weekend"
//	no days            -> "never"
//	anything else      -> short names in week order, e.g. "Mon, Wed, Fri"
func (s WeekdaySet) Describe() string {
	switch s & Everyday {
	case Everyday:
		return "every day"
	case Workweek:
		return "weekdays"
	case Weekend:
		return "weekend"
	case NoDays:
		return "never"
	}
	days := s.Days()
	names := make([]string, len(days))
	for i, d := range days {
		names[i] = d.String()
	}
	return strings.Join(names, ", ")
}

func (s WeekdaySet) String() string { return s.Describe() }
