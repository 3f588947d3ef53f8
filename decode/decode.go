/*
Package decode maps raw categorical codes to human-readable labels.

PURPOSE:
  SurveyCTO exports categorical answers as numeric codes ("31", "1").
  A Decoder resolves them to upper-case labels ("DKI JAKARTA", "LAKI-LAKI")
  using an internal reference table plus an optional per-survey override.
  Codes with no mapping resolve to the UNRECOGNIZED sentinel instead of
  failing: an undecodable value is a data-quality signal the roll-ups must
  surface, not an error.

TABLE SHAPE:
  A Table is field -> code -> label. The JSON form mirrors the upload
  template contract (a FIELDS list, one code table per field):

    {"PROV": {"31": "DKI Jakarta", "32": "Jawa Barat"}, "JK": {"1": "Laki-laki"}}

VALIDATION:
  ParseSpec validates eagerly at load time. A structurally broken spec is a
  survey.ValidationError surfaced at registration, never a later aggregation
  failure.

SEE ALSO:
  - ingest: applies the decoder to configured fields during normalization
  - quota: checks plan location names against the reference table's labels
*/
package decode

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/kedaikopi/surveyqc/survey"
)

// Unrecognized is the sentinel label for a value that could not be decoded.
const Unrecognized = "UNRECOGNIZED"

// Table maps field name -> raw code -> label.
type Table map[string]map[string]string

// Fields returns the table's field names, sorted for determinism.
func (t Table) Fields() []string {
	out := make([]string, 0, len(t))
	for f := range t {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Labels returns the set of upper-cased labels defined for a field.
func (t Table) Labels(field string) map[string]bool {
	out := make(map[string]bool, len(t[field]))
	for _, label := range t[field] {
		out[strings.ToUpper(strings.TrimSpace(label))] = true
	}
	return out
}

// ParseSpec parses and validates a JSON code table.
// Shape violations are validation errors raised before any data is touched.
func ParseSpec(data []byte) (Table, error) {
	if len(data) == 0 {
		return nil, survey.Validationf("decoder spec is empty")
	}
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, survey.Validationf("decoder spec is not a field-to-codes mapping: %v", err)
	}
	for field, codes := range t {
		if strings.TrimSpace(field) == "" {
			return nil, survey.Validationf("decoder spec contains an unnamed field")
		}
		if len(codes) == 0 {
			return nil, survey.Validationf("decoder field %q has no code table", field)
		}
		for code, label := range codes {
			if strings.TrimSpace(code) == "" || strings.TrimSpace(label) == "" {
				return nil, survey.Validationf("decoder field %q has a blank code or label", field)
			}
		}
	}
	return t, nil
}

// LoadReference reads the internal reference table from a JSON file.
func LoadReference(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference table: %w", err)
	}
	t, err := ParseSpec(data)
	if err != nil {
		return nil, fmt.Errorf("reference table %s: %w", path, err)
	}
	return t, nil
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder resolves raw categorical values against an internal reference table
// and an optional per-survey override. The override wins for fields it
// defines; both apply the same contract: coerce to string, look up, upper-case,
// miss resolves to Unrecognized.
type Decoder struct {
	internal Table
	override Table
}

// NewDecoder builds a decoder. override may be nil.
func NewDecoder(internal, override Table) *Decoder {
	return &Decoder{internal: internal, override: override}
}

// Fields returns every field either table can decode, sorted, without
// duplicates.
func (d *Decoder) Fields() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range []Table{d.internal, d.override} {
		for f := range t {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Has reports whether either table defines a code table for the field.
func (d *Decoder) Has(field string) bool {
	_, in := d.internal[field]
	_, over := d.override[field]
	return in || over
}

// Decode resolves a raw value for the given field. The raw value is coerced
// to a string first (upstream JSON may carry numbers).
func (d *Decoder) Decode(field string, raw any) string {
	code := strings.TrimSpace(coerce(raw))
	if codes, ok := d.override[field]; ok {
		if label, ok := codes[code]; ok {
			return strings.ToUpper(strings.TrimSpace(label))
		}
		return Unrecognized
	}
	if codes, ok := d.internal[field]; ok {
		if label, ok := codes[code]; ok {
			return strings.ToUpper(strings.TrimSpace(label))
		}
		return Unrecognized
	}
	return Unrecognized
}

// Reference exposes the internal table (quota validation checks plan names
// against it).
func (d *Decoder) Reference() Table { return d.internal }

func coerce(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		// JSON numbers decode as float64; codes are integral.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
