// Package mapping implements a configuration-driven Parser: each catalog field
// is read from a JSON payload by a gjson path.
package mapping

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
)

const (
	defaultConfidence = 1.0
	maxExcerpt        = 256
)

// Rules maps payload paths to catalog fields.
type Rules struct {
	KeyPath          string
	Confidence       float64
	Fields           map[string]string
	UnderlyingsPath  string
	UnderlyingFields map[string]string
	FieldConfidence  map[string]float64
}

// Parser applies Rules to RawRecords. It is pure and safe for concurrent use.
type Parser struct {
	source string
	rules  Rules
	fields []string
	unders []string
}

// New validates rules and builds a Parser for source.
func New(source string, rules Rules) (*Parser, error) {
	if strings.TrimSpace(source) == "" {
		return nil, errors.New("mapping: source is required")
	}
	if rules.KeyPath == "" {
		return nil, fmt.Errorf("mapping %s: key path is required", source)
	}
	if rules.Confidence <= 0 {
		rules.Confidence = defaultConfidence
	}
	if len(rules.UnderlyingFields) > 0 && rules.UnderlyingsPath == "" {
		return nil, fmt.Errorf("mapping %s: underlying fields need an underlyings path", source)
	}
	p := &Parser{source: source, rules: rules}
	for name := range rules.Fields {
		if err := catalog.FieldPath(name).Validate(); err != nil {
			return nil, fmt.Errorf("mapping %s: %w", source, err)
		}
		p.fields = append(p.fields, name)
	}
	for name := range rules.UnderlyingFields {
		p.unders = append(p.unders, name)
	}
	sort.Strings(p.fields)
	sort.Strings(p.unders)
	return p, nil
}

// Parse extracts the configured fields from raw.Payload.
func (p *Parser) Parse(raw catalog.RawRecord) (catalog.ParsedRecord, error) {
	if !gjson.ValidBytes(raw.Payload) {
		return catalog.ParsedRecord{}, &catalog.ParseError{
			Source:     p.source,
			NaturalKey: raw.NaturalKey,
			Err:        errors.New("payload is not valid JSON"),
		}
	}
	doc := gjson.ParseBytes(raw.Payload)

	key := strings.TrimSpace(raw.NaturalKey)
	if key == "" {
		key = strings.TrimSpace(doc.Get(p.rules.KeyPath).String())
	}
	if key == "" {
		return catalog.ParsedRecord{}, &catalog.ParseError{
			Source: p.source,
			Err:    fmt.Errorf("natural key missing at %q", p.rules.KeyPath),
		}
	}

	out := catalog.ParsedRecord{
		SourceKind: p.source,
		NaturalKey: key,
		Fields:     make(map[catalog.FieldPath]catalog.FieldValue, len(p.fields)),
	}
	for _, name := range p.fields {
		res := doc.Get(p.rules.Fields[name])
		if !present(res) {
			continue
		}
		out.Fields[catalog.FieldPath(name)] = p.value(name, res, raw)
	}

	if p.rules.UnderlyingsPath != "" {
		list := doc.Get(p.rules.UnderlyingsPath)
		if list.Exists() && !list.IsArray() {
			return catalog.ParsedRecord{}, &catalog.ParseError{
				Source:     p.source,
				NaturalKey: key,
				Err:        fmt.Errorf("underlyings at %q is not an array", p.rules.UnderlyingsPath),
			}
		}
		for i, item := range list.Array() {
			for _, name := range p.unders {
				res := item.Get(p.rules.UnderlyingFields[name])
				if !present(res) {
					continue
				}
				out.Fields[catalog.UnderlyingPath(i, name)] = p.value(name, res, raw)
			}
		}
	}
	return out, nil
}

func (p *Parser) value(field string, res gjson.Result, raw catalog.RawRecord) catalog.FieldValue {
	conf := p.rules.Confidence
	if c, ok := p.rules.FieldConfidence[field]; ok {
		conf = c
	}
	v := catalog.NewFieldValue(res.Value(), conf, p.source, raw.FetchedAt)
	v.RawExcerpt = excerpt(res.Raw)
	return v
}

func present(res gjson.Result) bool {
	if !res.Exists() || res.Type == gjson.Null {
		return false
	}
	return res.Type != gjson.String || strings.TrimSpace(res.Str) != ""
}

func excerpt(s string) string {
	if len(s) <= maxExcerpt {
		return s
	}
	return s[:maxExcerpt]
}
