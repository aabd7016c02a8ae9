// Package childtype decides which single place type to use when querying
// all children of a parent place, based on the types observed on a small
// sample of those children.
package childtype

import (
	"errors"
	"slices"
	"strings"

	"github.com/HendryAvila/datacommons-mcp/internal/kg"
)

// ErrNoCommonChildType signals that no type can stand for the sampled
// children. It is a fallback signal, not a failure: callers must degrade to
// per-place queries instead of guessing a type.
var ErrNoCommonChildType = errors.New("no common child place type")

// Result is the outcome of Infer. Found is false for NoCommonType.
type Result struct {
	Type  string `json:"type,omitempty"`
	Found bool   `json:"found"`
}

// NoCommonType is the Result returned when no type qualifies.
var NoCommonType = Result{}

// Err returns ErrNoCommonChildType when no type was found.
func (r Result) Err() error {
	if !r.Found {
		return ErrNoCommonChildType
	}
	return nil
}

// DefaultOrder lists place types from most to least specific.
var DefaultOrder = []string{
	"City",
	"Town",
	"Village",
	"Borough",
	"CensusTract",
	"AdministrativeArea5",
	"AdministrativeArea4",
	"AdministrativeArea3",
	"County",
	"EurostatNUTS3",
	"AdministrativeArea2",
	"EurostatNUTS2",
	"State",
	"AdministrativeArea1",
	"EurostatNUTS1",
	"Country",
	"Continent",
	"Place",
}

// Specificity is a total order over place types. Types earlier in the
// list are more specific. Types missing from the list rank below every
// listed type and are ordered lexically among themselves.
type Specificity struct {
	rank map[string]int
}

// NewSpecificity builds a Specificity from a most-to-least specific list.
// Comparison is case-insensitive; the first occurrence of a type wins.
func NewSpecificity(order []string) Specificity {
	rank := make(map[string]int, len(order))
	for i, t := range order {
		key := strings.ToLower(strings.TrimSpace(t))
		if key == "" {
			continue
		}
		if _, seen := rank[key]; !seen {
			rank[key] = i
		}
	}
	return Specificity{rank: rank}
}

// MoreSpecific reports whether a is strictly more specific than b.
func (s Specificity) MoreSpecific(a, b string) bool {
	ra, okA := s.rank[strings.ToLower(a)]
	rb, okB := s.rank[strings.ToLower(b)]
	switch {
	case okA && okB && ra != rb:
		return ra < rb
	case okA && !okB:
		return true
	case !okA && okB:
		return false
	}
	return a < b
}

// MostSpecific returns the most specific of types. types must be non-empty.
func (s Specificity) MostSpecific(types []string) string {
	best := types[0]
	for _, t := range types[1:] {
		if s.MoreSpecific(t, best) {
			best = t
		}
	}
	return best
}

// Infer picks the child place type for a sample of children, keyed by
// child DCID with each child's types:
//
//  1. a single type shared by every child wins;
//  2. several shared types: the most specific one wins;
//  3. nothing shared: a type held by at least half of the sample and by
//     strictly more children than any other type wins;
//  4. otherwise NoCommonType.
//
// Infer is pure: the result depends only on the sample and the order.
func Infer(sample map[string][]string, order Specificity) Result {
	if len(sample) == 0 {
		return NoCommonType
	}

	freq := make(map[string]int)
	for _, types := range sample {
		for _, t := range dedupe(types) {
			freq[t]++
		}
	}

	var common []string
	for t, n := range freq {
		if n == len(sample) {
			common = append(common, t)
		}
	}
	slices.Sort(common)

	switch {
	case len(common) == 1:
		return Result{Type: common[0], Found: true}
	case len(common) > 1:
		return Result{Type: order.MostSpecific(common), Found: true}
	}

	best, bestN, runnerUpN := "", 0, 0
	for _, t := range sortedKeys(freq) {
		n := freq[t]
		switch {
		case n > bestN:
			best, runnerUpN, bestN = t, bestN, n
		case n > runnerUpN:
			runnerUpN = n
		}
	}
	if bestN*2 >= len(sample) && bestN > runnerUpN {
		return Result{Type: best, Found: true}
	}
	return NoCommonType
}

// Sample picks up to n children spread evenly across the DCID-sorted
// list, so that a large child set is represented by a diverse subset.
// The selection is deterministic.
func Sample(children []kg.Place, n int) []kg.Place {
	if n <= 0 || len(children) == 0 {
		return nil
	}
	sorted := slices.Clone(children)
	slices.SortFunc(sorted, func(a, b kg.Place) int { return strings.Compare(a.DCID, b.DCID) })
	if len(sorted) <= n {
		return sorted
	}

	out := make([]kg.Place, 0, n)
	step := float64(len(sorted)) / float64(n)
	for i := 0; i < n; i++ {
		out = append(out, sorted[int(float64(i)*step)])
	}
	return out
}

// TypesOf builds the Infer input from sampled places and a DCID → types
// mapping. Only sampled children contribute; a child missing from the
// mapping falls back to the types carried on the Place itself.
func TypesOf(children []kg.Place, mapping map[string][]string) map[string][]string {
	out := make(map[string][]string, len(children))
	for _, c := range children {
		if types, ok := mapping[c.DCID]; ok {
			out[c.DCID] = types
			continue
		}
		out[c.DCID] = c.Types
	}
	return out
}

func dedupe(types []string) []string {
	seen := make(map[string]bool, len(types))
	out := types[:0:0]
	for _, t := range types {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
