// Package detector finds sensitive spans in outbound LLM payloads.
package detector

import "fmt"

// Category is the coarse classification a Span belongs to. Priority among
// categories (secret > pii > ops_sensitive > export_control) governs overlap
// resolution and, downstream, policy routing.
type Category string

const (
	CategorySecret        Category = "secret"
	CategoryPII           Category = "pii"
	CategoryOpsSensitive  Category = "ops_sensitive"
	CategoryExportControl Category = "export_control"
)

// categoryPriority returns the sort rank for a category; lower wins.
func categoryPriority(c Category) int {
	switch c {
	case CategorySecret:
		return 0
	case CategoryPII:
		return 1
	case CategoryOpsSensitive:
		return 2
	case CategoryExportControl:
		return 3
	default:
		return 99
	}
}

// Span is a closed-open byte interval [Start, End) over a payload, tagged
// with a category, a finer type label, and a confidence in [0,1].
type Span struct {
	Start      int
	End        int
	Category   Category
	Type       string
	Confidence float64
}

func (s Span) Len() int {
	return s.End - s.Start
}

func (s Span) overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// wins reports whether s should be kept over o when both are candidates for
// the same region: higher category priority, then longer span, then earlier
// start, then lexicographic type.
func (s Span) wins(o Span) bool {
	sp, op := categoryPriority(s.Category), categoryPriority(o.Category)
	if sp != op {
		return sp < op
	}
	if s.Len() != o.Len() {
		return s.Len() > o.Len()
	}
	if s.Start != o.Start {
		return s.Start < o.Start
	}
	return s.Type < o.Type
}

func (s Span) String() string {
	return fmt.Sprintf("Span{%s:%s [%d,%d) conf=%.2f}", s.Category, s.Type, s.Start, s.End, s.Confidence)
}
