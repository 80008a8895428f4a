package reconcile

import "github.com/JakeFAU/instrument-catalog/internal/catalog"

// Precedence orders FieldValues. Higher confidence wins; at equal confidence
// the later capture wins; exact ties fall to the configured source priority,
// then the smaller source kind, then the smaller formatted value. The order
// is total, so the visible value never depends on arrival order.
type Precedence struct {
	rank map[string]int
}

// NewPrecedence builds a Precedence from sources listed highest priority
// first. Unlisted sources rank below every listed one.
func NewPrecedence(priority []string) Precedence {
	rank := make(map[string]int, len(priority))
	for i, src := range priority {
		if _, dup := rank[src]; !dup {
			rank[src] = i
		}
	}
	return Precedence{rank: rank}
}

// Better reports whether a strictly outranks b.
func (p Precedence) Better(a, b catalog.FieldValue) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if !a.CapturedAt.Equal(b.CapturedAt) {
		return a.CapturedAt.After(b.CapturedAt)
	}
	if ra, rb := p.rankOf(a.SourceKind), p.rankOf(b.SourceKind); ra != rb {
		return ra < rb
	}
	if a.SourceKind != b.SourceKind {
		return a.SourceKind < b.SourceKind
	}
	return a.FormatValue() < b.FormatValue()
}

func (p Precedence) rankOf(source string) int {
	if r, ok := p.rank[source]; ok {
		return r
	}
	return len(p.rank)
}
