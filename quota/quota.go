/*
Package quota models the sampling plan: how many approved respondents each
location must deliver, optionally split across a target category.

PURPOSE:
  A plan arrives as a village-level row set (the upload template, already
  decoded from its file format into JSON). Two template variants exist and
  are told apart by shape before parsing, not by attempt-and-catch:

    flat:        rows carry a single JML count per village
    categorized: the template additionally names a target column and percent
                 weights per category; each category's share of a village
                 target is ceil(JML * weight / 100)

  Weights must sum to exactly 100. A violation is a validation error raised
  at registration, before any roll-up is computed; weights are never
  silently normalized.

ROUNDING:
  Per-category targets round up independently. The sum of category targets
  can therefore exceed the village total (60/40 over 11 gives 7+5=12). That
  divergence is the documented behavior of this system, not a defect; there
  is no cross-category rebalancing.

KEYS:
  All lookups use composite survey.LocationKey paths. Aggregate-level targets
  are sums of the village-level (per-category) targets underneath, so the
  rounding above propagates upward unchanged.

SEE ALSO:
  - recap: resolves Target per roll-up row through Model
  - decode: reference table the plan's location names are validated against
*/
package quota

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kedaikopi/surveyqc/decode"
	"github.com/kedaikopi/surveyqc/survey"
)

// Row is one village of the plan.
type Row struct {
	Province string `json:"PROV"`
	Regency  string `json:"KOTA_KAB"`
	District string `json:"KEC"`
	Village  string `json:"KEL"`
	Region   string `json:"WILAYAH,omitempty"`
	Count    int    `json:"JML"`
}

func (r Row) key() survey.LocationKey {
	return survey.LocationKey{
		Province: clean(r.Province),
		Regency:  clean(r.Regency),
		District: clean(r.District),
		Village:  clean(r.Village),
	}
}

// TargetSpec configures the optional category split.
type TargetSpec struct {
	Column  string         `json:"column"`
	Weights map[string]int `json:"weights"` // category -> percent, must sum to 100
}

// Spec is the serializable plan, as stored in the survey registry.
type Spec struct {
	Rows   []Row       `json:"rows"`
	Target *TargetSpec `json:"target,omitempty"`
}

// ParseTemplate decodes and validates an uploaded plan. The variant is chosen
// by inspecting the payload shape: a "target" member means categorized.
func ParseTemplate(data []byte) (Spec, error) {
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return Spec{}, survey.Validationf("quota template is not valid JSON: %v", err)
	}
	return spec, nil
}

// =============================================================================
// MODEL
// =============================================================================

// Model is the validated, query-ready form of a plan.
type Model struct {
	villages   map[survey.LocationKey]int // village total targets
	regions    map[string]string          // village name -> region
	column     string
	weights    map[string]int
	categories []string // sorted; empty without a split
}

// Build validates a Spec and constructs the Model. Duplicate village rows
// accumulate, matching group-by-sum semantics of the template import.
func Build(spec Spec) (*Model, error) {
	if len(spec.Rows) == 0 {
		return nil, survey.Validationf("quota template has no rows")
	}

	m := &Model{
		villages: make(map[survey.LocationKey]int, len(spec.Rows)),
		regions:  make(map[string]string),
	}

	for i, row := range spec.Rows {
		key := row.key()
		if key.Province == "" || key.Regency == "" || key.District == "" || key.Village == "" {
			return nil, survey.Validationf("quota template row %d has a blank location name", i+1)
		}
		if row.Count < 0 {
			return nil, survey.Validationf("quota template row %d has a negative target", i+1)
		}
		m.villages[key] += row.Count
		if region := clean(row.Region); region != "" {
			m.regions[key.Village] = region
		}
	}

	if spec.Target != nil {
		column := strings.TrimSpace(spec.Target.Column)
		if column == "" {
			return nil, survey.Validationf("target column name is blank")
		}
		if len(spec.Target.Weights) == 0 {
			return nil, survey.Validationf("target column %q has no category weights", column)
		}
		sum := 0
		for cat, w := range spec.Target.Weights {
			if w < 0 {
				return nil, survey.Validationf("category %q has a negative weight", cat)
			}
			sum += w
		}
		if sum != 100 {
			return nil, survey.Validationf("category weights must sum to 100, got %d", sum)
		}
		m.column = column
		m.weights = make(map[string]int, len(spec.Target.Weights))
		for cat, w := range spec.Target.Weights {
			c := clean(cat)
			m.weights[c] = w
			m.categories = append(m.categories, c)
		}
		sort.Strings(m.categories)
	}

	return m, nil
}

// HasCategorySplit reports whether targets disaggregate by category.
func (m *Model) HasCategorySplit() bool { return m.column != "" }

// TargetColumn returns the submission field holding the category value, or ""
// when the plan has no split.
func (m *Model) TargetColumn() string { return m.column }

// Categories returns the split categories in sorted order; nil without a
// split.
func (m *Model) Categories() []string { return m.categories }

// RegionOf maps a village name to its WILAYAH region, "" when unknown.
func (m *Model) RegionOf(village string) string { return m.regions[village] }

// Regions returns the village-to-region map used by ingestion.
func (m *Model) Regions() map[string]string { return m.regions }

// TargetFor returns the planned count for a location at the given level,
// summed over every plan village underneath it. category is ignored when the
// plan has no split; a category unknown to the plan yields 0.
func (m *Model) TargetFor(key survey.LocationKey, level survey.Level, category string) int {
	want := key.Truncate(level)
	total := 0
	for village, count := range m.villages {
		if village.Truncate(level) != want {
			continue
		}
		if m.column == "" {
			total += count
			continue
		}
		total += splitTarget(count, m.weights[category])
	}
	return total
}

// Keys returns every distinct plan location truncated to the given level,
// sorted by path for deterministic output.
func (m *Model) Keys(level survey.Level) []survey.LocationKey {
	seen := make(map[survey.LocationKey]bool)
	var out []survey.LocationKey
	for village := range m.villages {
		k := village.Truncate(level)
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// LocationLists returns the plan's distinct location names per raw column
// name, sorted. This is the location universe persisted with the registry.
func (m *Model) LocationLists() map[string][]string {
	sets := map[string]map[string]bool{
		"PROV": {}, "KOTA_KAB": {}, "KEC": {}, "KEL": {},
	}
	for k := range m.villages {
		sets["PROV"][k.Province] = true
		sets["KOTA_KAB"][k.Regency] = true
		sets["KEC"][k.District] = true
		sets["KEL"][k.Village] = true
	}
	out := make(map[string][]string, len(sets))
	for col, set := range sets {
		names := make([]string, 0, len(set))
		for n := range set {
			names = append(names, n)
		}
		sort.Strings(names)
		out[col] = names
	}
	return out
}

// splitTarget computes ceil(count * weight / 100) with exact decimal
// arithmetic.
func splitTarget(count, weight int) int {
	if count == 0 || weight == 0 {
		return 0
	}
	share := decimal.NewFromInt(int64(count)).
		Mul(decimal.NewFromInt(int64(weight))).
		Div(decimal.NewFromInt(100))
	return int(share.Ceil().IntPart())
}

// =============================================================================
// VALIDATION AGAINST REFERENCE DATA
// =============================================================================

// Validate checks every plan location name against the internal reference
// table. Unknown provinces or regencies are fatal: the roll-ups would
// silently mis-anchor whole branches. Unknown districts or villages are
// returned as warnings; those records survive through the UNRECOGNIZED
// fallback path.
func (m *Model) Validate(ref decode.Table) ([]string, error) {
	lists := m.LocationLists()
	var warnings []string
	for _, col := range []string{"PROV", "KOTA_KAB", "KEC", "KEL"} {
		labels := ref.Labels(col)
		if len(labels) == 0 {
			continue // reference table does not cover this field
		}
		var missing []string
		for _, name := range lists[col] {
			if !labels[name] {
				missing = append(missing, name)
			}
		}
		if len(missing) == 0 {
			continue
		}
		if col == "PROV" || col == "KOTA_KAB" {
			return warnings, survey.Validationf("%s do not exist in the %s reference data", strings.Join(missing, ", "), col)
		}
		warnings = append(warnings, strings.Join(missing, ", ")+" do not exist in the "+col+" reference data")
	}
	return warnings, nil
}

func clean(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
