package features

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// FeatureSpec describes one position of the feature vector.
type FeatureSpec struct {
	Name           string    `json:"name" validate:"required"`
	PropertyTypeID uuid.UUID `json:"property_type_id" validate:"required"`
	Metric         string    `json:"metric" validate:"required,oneof=exact jaro_winkler levenshtein soundex metaphone numeric date"`
	Normalizers    []string  `json:"normalizers,omitempty"`
}

// Schema is the ordered list of features. Its length is the model's input width.
type Schema struct {
	Features []FeatureSpec `json:"features" validate:"required,min=1,dive"`
}

// LoadSchema reads a JSON schema file.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feature schema %s: %w", path, err)
	}
	var schema Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("failed to parse feature schema %s: %w", path, err)
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return &schema, nil
}

// Validate checks that every spec names a known metric and a property type.
func (s *Schema) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid feature schema: %w", err)
	}
	return nil
}

// Width is the length of every feature vector produced with this schema.
func (s *Schema) Width() int {
	return len(s.Features)
}

// PropertyTypeIDs returns the distinct property types the schema reads.
func (s *Schema) PropertyTypeIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(s.Features))
	ids := make([]uuid.UUID, 0, len(s.Features))
	for _, f := range s.Features {
		if _, ok := seen[f.PropertyTypeID]; ok {
			continue
		}
		seen[f.PropertyTypeID] = struct{}{}
		ids = append(ids, f.PropertyTypeID)
	}
	return ids
}

// Person property type names understood by PersonSchema.
const (
	PersonGivenName  = "nc.PersonGivenName"
	PersonMiddleName = "nc.PersonMiddleName"
	PersonSurName    = "nc.PersonSurName"
	PersonBirthDate  = "nc.PersonBirthDate"
	PersonSSN        = "nc.SSN"
	PersonSex        = "nc.PersonSex"
)

// PersonSchema builds the default person feature set from a property name -> id mapping.
// Properties missing from ids are left out, so the resulting width depends on the mapping.
func PersonSchema(ids map[string]uuid.UUID) *Schema {
	candidates := []struct {
		property    string
		name        string
		metric      string
		normalizers []string
	}{
		{PersonGivenName, "given_name_jw", MetricJaroWinkler, []string{"name"}},
		{PersonGivenName, "given_name_metaphone", MetricMetaphone, []string{"name"}},
		{PersonMiddleName, "middle_name_jw", MetricJaroWinkler, []string{"name"}},
		{PersonSurName, "surname_jw", MetricJaroWinkler, []string{"name"}},
		{PersonSurName, "surname_soundex", MetricSoundex, []string{"name"}},
		{PersonBirthDate, "birth_date_proximity", MetricDate, []string{"trim"}},
		{PersonBirthDate, "birth_date_exact", MetricExact, []string{"trim"}},
		{PersonSSN, "ssn_levenshtein", MetricLevenshtein, []string{"ssn"}},
		{PersonSSN, "ssn_exact", MetricExact, []string{"ssn"}},
		{PersonSex, "sex_exact", MetricExact, []string{"trim", "lowercase"}},
	}

	schema := &Schema{}
	for _, c := range candidates {
		id, ok := ids[c.property]
		if !ok {
			continue
		}
		schema.Features = append(schema.Features, FeatureSpec{
			Name:           c.name,
			PropertyTypeID: id,
			Metric:         c.metric,
			Normalizers:    c.normalizers,
		})
	}
	return schema
}
