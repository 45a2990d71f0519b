package factory

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/warp/alarm-engine/alarm"
)

//go:embed catalog.json
var defaultCatalog []byte

// Catalog is the static template feed grouped by scenario.
type Catalog struct {
	Scenarios map[string][]TemplateJSON `json:"scenarios"`
}

// ParseCatalog decodes a catalog document. Failure is ErrDecode.
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("%w: catalog: %v", alarm.ErrDecode, err)
	}
	return c, nil
}

// DefaultCatalog is the catalog shipped with the binary.
func DefaultCatalog() Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog: %v", err))
	}
	return c
}

// EntryError is an invalid catalog entry. Position counts entries across
// the whole catalog in presentation order; Index is within Group.
type EntryError struct {
	Group    string
	Index    int
	Position int
	Err      error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("catalog %s: %v", e.Tag(), e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// Tag names the entry as group[index].
func (e *EntryError) Tag() string { return fmt.Sprintf("%s[%d]", e.Group, e.Index) }

// Templates converts every entry, in scenario presentation order, keeping
// the first entry for each (name, scenario) key. An entry without its own
// scenario inherits its group's. Invalid entries are returned as errors
// and skipped.
func (c Catalog) Templates() ([]alarm.Template, []error) {
	var (
		out  []alarm.Template
		errs []error
		seen = make(map[alarm.TemplateKey]bool)
		pos  int
	)
	for _, group := range c.groups() {
		for i, tj := range c.Scenarios[group] {
			pos++
			if tj.Scenario == "" {
				tj.Scenario = group
			}
			t, err := tj.Template()
			if err != nil {
				errs = append(errs, &EntryError{Group: group, Index: i, Position: pos - 1, Err: err})
				continue
			}
			if seen[t.Key()] {
				continue
			}
			seen[t.Key()] = true
			out = append(out, t)
		}
	}
	return out, errs
}

// Len counts entries before validation and dedup.
func (c Catalog) Len() int {
	n := 0
	for _, ts := range c.Scenarios {
		n += len(ts)
	}
	return n
}

// groups orders known scenarios first, then unknown group names sorted.
func (c Catalog) groups() []string {
	var known, unknown []string
	for _, s := range alarm.Scenarios {
		if _, ok := c.Scenarios[string(s)]; ok {
			known = append(known, string(s))
		}
	}
	for g := range c.Scenarios {
		if !alarm.Scenario(g).Valid() {
			unknown = append(unknown, g)
		}
	}
	sort.Strings(unknown)
	return append(known, unknown...)
}
