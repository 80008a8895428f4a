package catalog

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FieldValue is a single value contributed by one source, tagged with the
// confidence and provenance needed to reconcile it against other sources.
type FieldValue struct {
	Value      any       `json:"value"`
	Confidence float64   `json:"confidence"`
	SourceKind string    `json:"source_kind"`
	CapturedAt time.Time `json:"captured_at"`
	RawExcerpt string    `json:"raw_excerpt,omitempty"`
}

// NewFieldValue builds a FieldValue with the confidence clamped to [0, 1].
func NewFieldValue(value any, confidence float64, sourceKind string, capturedAt time.Time) FieldValue {
	return FieldValue{
		Value:      value,
		Confidence: ClampConfidence(confidence),
		SourceKind: sourceKind,
		CapturedAt: capturedAt.UTC(),
	}
}

// ClampConfidence bounds a confidence score to [0, 1]. NaN maps to 0.
func ClampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// FormatValue renders the value for deterministic comparisons and logs.
func (v FieldValue) FormatValue() string {
	if v.Value == nil {
		return ""
	}
	return fmt.Sprint(v.Value)
}

const underlyingsPrefix = "underlyings"

// FieldPath addresses a field on a CanonicalEntity. Top-level fields use their
// name ("coupon_rate"); underlying fields use "underlyings.<index>.<name>".
type FieldPath string

// UnderlyingPath builds the path of a field on the i-th underlying.
func UnderlyingPath(index int, field string) FieldPath {
	return FieldPath(underlyingsPrefix + "." + strconv.Itoa(index) + "." + field)
}

// Underlying splits an underlying path into its index and field name.
func (p FieldPath) Underlying() (int, string, bool) {
	parts := strings.SplitN(string(p), ".", 3)
	if len(parts) != 3 || parts[0] != underlyingsPrefix || parts[2] == "" {
		return 0, "", false
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil || idx < 0 {
		return 0, "", false
	}
	return idx, parts[2], true
}

// Validate rejects empty or malformed paths.
func (p FieldPath) Validate() error {
	s := string(p)
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("field path is required")
	}
	if strings.HasPrefix(s, underlyingsPrefix+".") {
		if _, _, ok := p.Underlying(); !ok {
			return fmt.Errorf("invalid underlying path %q", s)
		}
	}
	return nil
}

// DedupKey is the stable identity of a canonical entity, derived from the
// source kind and the natural key of the record.
type DedupKey string

// Contribution is one audit entry: a value offered for a field by some run,
// and whether it became the visible value at the time it was merged.
type Contribution struct {
	Path       FieldPath  `json:"path"`
	Value      FieldValue `json:"value"`
	RunID      string     `json:"run_id,omitempty"`
	Accepted   bool       `json:"accepted"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// CanonicalEntity is the deduplicated catalog record for one instrument.
type CanonicalEntity struct {
	ID          string                  `json:"id"`
	SourceKind  string                  `json:"source_kind"`
	NaturalKey  string                  `json:"natural_key"`
	Fields      map[string]FieldValue   `json:"fields"`
	Underlyings []map[string]FieldValue `json:"underlyings"`
	History     []Contribution          `json:"history,omitempty"`
	Version     int64                   `json:"version"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// Field returns the visible value at path, if any.
func (e CanonicalEntity) Field(path FieldPath) (FieldValue, bool) {
	if idx, name, ok := path.Underlying(); ok {
		if idx >= len(e.Underlyings) {
			return FieldValue{}, false
		}
		v, found := e.Underlyings[idx][name]
		return v, found
	}
	v, ok := e.Fields[string(path)]
	return v, ok
}

// SetField replaces the visible value at path, growing the underlyings slice
// when the path addresses an index that does not exist yet.
func (e *CanonicalEntity) SetField(path FieldPath, value FieldValue) error {
	if err := path.Validate(); err != nil {
		return err
	}
	if idx, name, ok := path.Underlying(); ok {
		for len(e.Underlyings) <= idx {
			e.Underlyings = append(e.Underlyings, map[string]FieldValue{})
		}
		if e.Underlyings[idx] == nil {
			e.Underlyings[idx] = map[string]FieldValue{}
		}
		e.Underlyings[idx][name] = value
		return nil
	}
	if e.Fields == nil {
		e.Fields = map[string]FieldValue{}
	}
	e.Fields[string(path)] = value
	return nil
}

// Paths lists every populated field path in a stable order.
func (e CanonicalEntity) Paths() []FieldPath {
	out := make([]FieldPath, 0, len(e.Fields))
	for name := range e.Fields {
		out = append(out, FieldPath(name))
	}
	for i, u := range e.Underlyings {
		for name := range u {
			out = append(out, UnderlyingPath(i, name))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone deep-copies the entity so callers can mutate it freely.
func (e CanonicalEntity) Clone() CanonicalEntity {
	cp := e
	cp.Fields = make(map[string]FieldValue, len(e.Fields))
	for k, v := range e.Fields {
		cp.Fields[k] = v
	}
	cp.Underlyings = nil
	if e.Underlyings != nil {
		cp.Underlyings = make([]map[string]FieldValue, len(e.Underlyings))
		for i, u := range e.Underlyings {
			m := make(map[string]FieldValue, len(u))
			for k, v := range u {
				m[k] = v
			}
			cp.Underlyings[i] = m
		}
	}
	cp.History = append([]Contribution(nil), e.History...)
	return cp
}

// RawRecord is one unparsed record as returned by a SourceFetcher.
type RawRecord struct {
	SourceKind  string    `json:"source_kind"`
	NaturalKey  string    `json:"natural_key"`
	Payload     []byte    `json:"payload"`
	ContentType string    `json:"content_type,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// ParsedRecord is the field map a Parser extracts from a RawRecord.
type ParsedRecord struct {
	SourceKind string
	NaturalKey string
	Fields     map[FieldPath]FieldValue
}

// Predicate is the filter a Segment applies to a source's result set: a fixed
// set of base filters plus a key prefix refined during partitioning.
type Predicate struct {
	Base   map[string]string `json:"base,omitempty"`
	Prefix string            `json:"prefix"`
}

// Segment is one slice of a source's result set.
type Segment struct {
	Source         string    `json:"source"`
	Filter         Predicate `json:"filter"`
	EstimatedCount int       `json:"estimated_count"`
	Depth          int       `json:"depth"`
}

// Key returns a stable identifier for the segment that ignores the estimate.
func (s Segment) Key() string {
	keys := make([]string, 0, len(s.Filter.Base))
	for k := range s.Filter.Base {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(s.Source)
	b.WriteByte('|')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s.Filter.Base[k])
	}
	b.WriteByte('|')
	b.WriteString(s.Filter.Prefix)
	return b.String()
}

// Child narrows the segment by appending symbol to its prefix.
func (s Segment) Child(symbol string) Segment {
	base := make(map[string]string, len(s.Filter.Base))
	for k, v := range s.Filter.Base {
		base[k] = v
	}
	return Segment{
		Source: s.Source,
		Filter: Predicate{Base: base, Prefix: s.Filter.Prefix + symbol},
		Depth:  s.Depth + 1,
	}
}

// RunStatus is the lifecycle state of a crawl run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ParseRunStatus maps user input to a RunStatus.
func ParseRunStatus(s string) (RunStatus, error) {
	switch RunStatus(strings.ToLower(strings.TrimSpace(s))) {
	case RunPending:
		return RunPending, nil
	case RunRunning:
		return RunRunning, nil
	case RunPaused:
		return RunPaused, nil
	case RunCompleted:
		return RunCompleted, nil
	case RunFailed:
		return RunFailed, nil
	default:
		return "", fmt.Errorf("invalid run status %q", s)
	}
}

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// CanTransition reports whether moving from s to next is legal.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunPending:
		return next == RunRunning || next == RunFailed
	case RunRunning:
		return next == RunPaused || next == RunCompleted || next == RunFailed
	case RunPaused:
		return next == RunRunning || next == RunFailed
	default:
		return false
	}
}

// RunRecord is the persisted state of one crawl run.
type RunRecord struct {
	RunID            string     `json:"run_id"`
	Name             string     `json:"name"`
	Source           string     `json:"source"`
	Root             Segment    `json:"root"`
	Status           RunStatus  `json:"status"`
	Total            int        `json:"total"`
	Completed        int        `json:"completed"`
	ErrorsCount      int        `json:"errors_count"`
	LastError        string     `json:"last_error,omitempty"`
	CheckpointOffset int        `json:"checkpoint_offset"`
	StartedAt        time.Time  `json:"started_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}
