// Package record defines the character records moved through the enrichment
// pipeline and the pure normalization step that flattens resolved references.
package record

import (
	"fmt"
	"strings"
)

// Object is a decoded JSON object of arbitrary shape.
// Only the fields actually consumed are looked up, and every lookup is optional.
type Object map[string]any

// String returns the value of key if it is present and is a non-empty string.
func (o Object) String(key string) (string, bool) {
	v, ok := o[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Strings returns the value of key as a string slice.
// Non-string elements are skipped; a missing key yields nil.
func (o Object) Strings(key string) []string {
	raw, ok := o[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Category identifies a reference-list field of a character.
type Category string

const (
	CategoryFilms     Category = "films"
	CategorySpecies   Category = "species"
	CategoryStarships Category = "starships"
	CategoryVehicles  Category = "vehicles"
)

// Categories is the fixed category order used for fan-out and reporting.
var Categories = []Category{CategoryFilms, CategorySpecies, CategoryStarships, CategoryVehicles}

// DisplayField is the key holding the human-readable name of a resolved reference.
func (c Category) DisplayField() string {
	if c == CategoryFilms {
		return "title"
	}
	return "name"
}

// Attribute columns copied verbatim from the primary record, in storage order.
var Attributes = []string{
	"name",
	"birth_year",
	"eye_color",
	"gender",
	"hair_color",
	"height",
	"homeworld",
	"mass",
	"skin_color",
}

// PrimaryRecord is a character as returned by the people endpoint.
type PrimaryRecord struct {
	ID         int
	Attributes map[string]string
	References map[Category][]string
}

// FromObject builds a PrimaryRecord for id from a decoded people payload.
// Missing attributes are left out; missing reference lists become empty.
func FromObject(id int, obj Object) (PrimaryRecord, error) {
	if id < 0 {
		return PrimaryRecord{}, fmt.Errorf("invalid record id %d", id)
	}
	rec := PrimaryRecord{
		ID:         id,
		Attributes: make(map[string]string, len(Attributes)),
		References: make(map[Category][]string, len(Categories)),
	}
	for _, attr := range Attributes {
		if v, ok := obj[attr]; ok && v != nil {
			rec.Attributes[attr] = fmt.Sprint(v)
		}
	}
	for _, c := range Categories {
		rec.References[c] = obj.Strings(string(c))
	}
	return rec, nil
}

// ReferenceCount is the total number of reference URLs across all categories.
func (p PrimaryRecord) ReferenceCount() int {
	n := 0
	for _, urls := range p.References {
		n += len(urls)
	}
	return n
}

// Resolved maps each category to the display names of its resolved references,
// in the order of the original URL list.
type Resolved map[Category][]string

// FlatRecord is a PrimaryRecord with every reference list replaced by a joined
// string. A nil reference field means the category had nothing to join.
type FlatRecord struct {
	ID         int
	Attributes map[string]string
	Films      *string
	Species    *string
	Starships  *string
	Vehicles   *string
}

// Reference returns the flattened value for a category.
func (f FlatRecord) Reference(c Category) *string {
	switch c {
	case CategoryFilms:
		return f.Films
	case CategorySpecies:
		return f.Species
	case CategoryStarships:
		return f.Starships
	case CategoryVehicles:
		return f.Vehicles
	default:
		return nil
	}
}

// Attribute returns an attribute value, nil when the source record lacked it.
func (f FlatRecord) Attribute(name string) *string {
	v, ok := f.Attributes[name]
	if !ok {
		return nil
	}
	return &v
}

// Separator joins display names within one flattened field.
const Separator = ", "

// Normalize flattens resolved references onto the primary record.
func Normalize(primary PrimaryRecord, resolved Resolved) FlatRecord {
	attrs := make(map[string]string, len(primary.Attributes))
	for k, v := range primary.Attributes {
		attrs[k] = v
	}
	return FlatRecord{
		ID:         primary.ID,
		Attributes: attrs,
		Films:      join(resolved[CategoryFilms]),
		Species:    join(resolved[CategorySpecies]),
		Starships:  join(resolved[CategoryStarships]),
		Vehicles:   join(resolved[CategoryVehicles]),
	}
}

func join(names []string) *string {
	if len(names) == 0 {
		return nil
	}
	s := strings.Join(names, Separator)
	return &s
}
