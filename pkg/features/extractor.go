// Package features turns raw record properties into canonical value sets and pairwise
// similarity vectors for the scoring model.
package features

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/linker/pkg/models"
)

// Scale is applied to every similarity so features land in [0, 100].
const Scale = 100.0

// Properties maps a property type id to the record's canonical values: stringified, trimmed,
// deduplicated and sorted.
type Properties map[uuid.UUID][]string

// Extractor computes features according to a fixed schema.
type Extractor struct {
	schema       *Schema
	similarities []Similarity
}

// NewExtractor creates a new Extractor. The schema must only reference registered metrics.
func NewExtractor(schema *Schema) (*Extractor, error) {
	sims := make([]Similarity, len(schema.Features))
	for i, f := range schema.Features {
		fn, ok := LookupSimilarity(f.Metric)
		if !ok {
			return nil, fmt.Errorf("feature %s uses unknown metric %q", f.Name, f.Metric)
		}
		sims[i] = fn
	}
	return &Extractor{schema: schema, similarities: sims}, nil
}

// Schema returns the schema the extractor was built with.
func (e *Extractor) Schema() *Schema {
	return e.schema
}

// Width is the length of every vector returned by ExtractFeatures.
func (e *Extractor) Width() int {
	return e.schema.Width()
}

// ExtractProperties canonicalizes raw values so that two records holding the same values in a
// different order or with duplicates produce identical Properties.
func (e *Extractor) ExtractProperties(raw models.RawProperties) Properties {
	props := make(Properties, len(raw))
	for propertyTypeID, values := range raw {
		set := make(map[string]struct{}, len(values))
		for _, v := range values {
			s := stringify(v)
			if s == "" {
				continue
			}
			set[s] = struct{}{}
		}
		if len(set) == 0 {
			continue
		}
		canonical := make([]string, 0, len(set))
		for s := range set {
			canonical = append(canonical, s)
		}
		sort.Strings(canonical)
		props[propertyTypeID] = canonical
	}
	return props
}

// ExtractFeatures compares two records. Each position holds the best similarity over all value
// combinations of that feature's property, scaled by Scale; a property missing on either side
// scores 0.
func (e *Extractor) ExtractFeatures(a, b Properties) []float64 {
	out := make([]float64, len(e.schema.Features))
	for i, spec := range e.schema.Features {
		left := normalizeAll(a[spec.PropertyTypeID], spec.Normalizers)
		right := normalizeAll(b[spec.PropertyTypeID], spec.Normalizers)
		best := 0.0
		for _, l := range left {
			for _, r := range right {
				if s := e.similarities[i](l, r); s > best {
					best = s
				}
			}
			if best == 1 {
				break
			}
		}
		out[i] = best * Scale
	}
	return out
}

func normalizeAll(values []string, names []string) []string {
	if len(names) == 0 {
		return values
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if n := ApplyNormalizers(v, names...); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case time.Time:
		return t.UTC().Format(time.DateOnly)
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.UTC().Format(time.DateOnly)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// BlockingTokens derives the tokens used to find blocking candidates. Exact features contribute
// their normalized values and phonetic features their codes, so two records share a token when
// they could score well on that feature. Tokens are prefixed with the property type id.
func (e *Extractor) BlockingTokens(props Properties) []string {
	set := make(map[string]struct{})
	for _, spec := range e.schema.Features {
		for _, v := range normalizeAll(props[spec.PropertyTypeID], spec.Normalizers) {
			var token string
			switch spec.Metric {
			case MetricExact:
				token = spec.PropertyTypeID.String() + "=" + v
			case MetricSoundex:
				if code := Soundex(v); code != "" {
					token = spec.PropertyTypeID.String() + "~s:" + code
				}
			case MetricMetaphone:
				if code := Metaphone(v); code != "" {
					token = spec.PropertyTypeID.String() + "~m:" + code
				}
			}
			if token != "" {
				set[token] = struct{}{}
			}
		}
	}
	tokens := make([]string, 0, len(set))
	for t := range set {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return tokens
}
