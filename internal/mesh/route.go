// Package mesh — route.go
//
// Declarative route table: data, not code. A route's targets are kernel
// names; each delivery looks the target name up in the mesh's
// subscriber map, so routes are not bound to handler references at
// table load time.
package mesh

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fanout selects how many targets receive a matched event.
type Fanout uint8

const (
	FanoutAll Fanout = iota
	FanoutFirstAvailable
)

// Route is one entry of the declarative manifest.
type Route struct {
	SourcePattern string // single trailing wildcard segment allowed, e.g. "agent.*"
	TypePattern   string // e.g. "kernel.restart.*"
	Targets       []string
	Priority      int
	Validators    []string
	Fanout        Fanout
}

// matchSpecificity ranks a match so the most specific route wins:
// exact > wildcard-type > wildcard-source > wildcard-both.
func (r Route) matchSpecificity(source, typ string) (int, bool) {
	sourceExact := !strings.HasSuffix(r.SourcePattern, "*")
	typeExact := !strings.HasSuffix(r.TypePattern, "*")

	if !matchPattern(r.SourcePattern, source) || !matchPattern(r.TypePattern, typ) {
		return 0, false
	}

	switch {
	case sourceExact && typeExact:
		return 3, true
	case sourceExact: // wildcard-type
		return 2, true
	case typeExact: // wildcard-source
		return 1, true
	default:
		return 0, true
	}
}

// matchPattern supports a single trailing wildcard segment: "a.b.*"
// matches "a.b.c" and "a.b.c.d"; "a.b" matches only "a.b" exactly.
func matchPattern(pattern, value string) bool {
	if !strings.HasSuffix(pattern, "*") {
		return pattern == value
	}
	prefix := strings.TrimSuffix(pattern, "*")
	prefix = strings.TrimSuffix(prefix, ".")
	if value == prefix {
		return true
	}
	return strings.HasPrefix(value, prefix+".")
}

// Table is an immutable route table snapshot belonging to one generation.
// Readers never block: the host swaps a *Table pointer atomically.
type Table struct {
	Generation uint64
	Routes     []Route
}

// Resolve returns routes matching (source, typ), ordered most-specific
// first; ties broken by declared Priority (higher first), then by
// declaration order (stable sort semantics via the loop below).
func (t *Table) Resolve(source, typ string) []Route {
	type scored struct {
		route      Route
		specificity int
		order      int
	}
	var candidates []scored
	for i, r := range t.Routes {
		spec, ok := r.matchSpecificity(source, typ)
		if !ok {
			continue
		}
		candidates = append(candidates, scored{route: r, specificity: spec, order: i})
	}

	// Stable insertion sort: specificity desc, then priority desc, then
	// declaration order asc. The table is small (route manifests are
	// hand-authored), so O(n^2) is fine and keeps the comparator simple.
	for i := 1; i < len(candidates); i++ {
		j := i
		for j > 0 && less(candidates[j], candidates[j-1]) {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
			j--
		}
	}

	out := make([]Route, len(candidates))
	for i, c := range candidates {
		out[i] = c.route
	}
	return out
}

func less(a, b struct {
	route      Route
	specificity int
	order      int
}) bool {
	if a.specificity != b.specificity {
		return a.specificity > b.specificity
	}
	if a.route.Priority != b.route.Priority {
		return a.route.Priority > b.route.Priority
	}
	return a.order < b.order
}

// manifestDoc is the on-disk YAML shape of a route manifest.
type manifestDoc struct {
	Routes []struct {
		Source     string   `yaml:"source"`
		Type       string   `yaml:"type"`
		Targets    []string `yaml:"targets"`
		Priority   int      `yaml:"priority"`
		Validators []string `yaml:"validators"`
		Fanout     string   `yaml:"fanout"`
	} `yaml:"routes"`
}

// LoadTable reads a declarative route manifest from path and returns a
// validated Table at generation 0. Callers bump Generation themselves
// on reload via Mesh.ReloadTable.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mesh: read route manifest %q: %w", path, err)
	}

	// Unknown fields are rejected at load time, not silently dropped: a
	// typo'd manifest key (e.g. "traget") must fail to load rather than
	// produce a route missing the field the author meant to set.
	var doc manifestDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("mesh: parse route manifest %q: %w", path, err)
	}

	t := &Table{}
	for _, rd := range doc.Routes {
		fanout := FanoutAll
		if rd.Fanout == "first-available" {
			fanout = FanoutFirstAvailable
		}
		t.Routes = append(t.Routes, Route{
			SourcePattern: rd.Source,
			TypePattern:   rd.Type,
			Targets:       rd.Targets,
			Priority:      rd.Priority,
			Validators:    rd.Validators,
			Fanout:        fanout,
		})
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate rejects structurally invalid routes at load time, never at
// dispatch time, per spec §6's manifest contract. Unknown manifest keys
// are rejected earlier, by LoadTable's decoder.
func (t *Table) Validate() error {
	for i, r := range t.Routes {
		if r.SourcePattern == "" || r.TypePattern == "" {
			return fmt.Errorf("mesh: route %d missing source/type pattern", i)
		}
		if len(r.Targets) == 0 {
			return fmt.Errorf("mesh: route %d has no targets", i)
		}
		if strings.Count(r.SourcePattern, "*") > 1 || strings.Count(r.TypePattern, "*") > 1 {
			return fmt.Errorf("mesh: route %d has more than one wildcard segment", i)
		}
	}
	return nil
}
