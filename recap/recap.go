/*
Package recap builds the roll-up tables: submission counts reconciled
against the quota plan at every administrative granularity.

PURPOSE:
  Given normalized submissions and a quota model, Build produces one table
  per granularity (all, province, regency, district, village). Every row
  carries Sample / Approved / Rejected / Awaiting / Target / Deficit, plus
  approval-rate percentages at province level.

ALGORITHM (per level L):
  1. Group submissions by the composite location key truncated to L (plus
     the category value when the plan splits by category). Composite keys
     disambiguate same-named locations under different parents.
  2. Count Sample, Approved and Rejected as three independent group-bys
     joined on the key; a key absent from a group-by counts zero.
  3. Resolve Target per key through the quota model.
  4. Synthesize a zero row for every plan location (x category) with no
     submissions, so the table enumerates the full planned universe.
  5. Awaiting = Sample - Approved - Rejected (residual, never counted
     directly); Deficit = max(0, Target - Approved).
  6. Sort by location path, then category.

INVARIANTS:
  - Sample == Approved + Rejected + Awaiting on every row
  - Deficit is never negative
  - every plan location appears exactly once per category
  - identical input yields identical output, row order included

UNRECOGNIZED locations are grouped and reported like any other: they are the
data-quality signal this dashboard exists to show. Their Target is 0 (the
plan cannot know them), so they never contribute Deficit.

SEE ALSO:
  - quota: Target resolution and the planned universe
  - store/sqlite: persists the Dataset this package produces
*/
package recap

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/kedaikopi/surveyqc/quota"
	"github.com/kedaikopi/surveyqc/survey"
)

// Row is one location (x category) of a roll-up table. Percent fields are
// populated at province level only.
type Row struct {
	Location survey.LocationKey `json:"location"`
	Category string             `json:"category,omitempty"`

	Sample   int `json:"sample"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Awaiting int `json:"awaiting"`
	Target   int `json:"target"`
	Deficit  int `json:"deficit"`

	ApprovedPct float64 `json:"approved_percent,omitempty"`
	RejectedPct float64 `json:"rejected_percent,omitempty"`
	AwaitingPct float64 `json:"awaiting_percent,omitempty"`
	TargetPct   float64 `json:"target_percent,omitempty"`
}

// Table is one granularity's roll-up.
type Table struct {
	Level        survey.Level `json:"level"`
	TargetColumn string       `json:"target_column,omitempty"`
	Rows         []Row        `json:"rows"`
}

// Dataset is the full per-survey output of one refresh: the normalized
// submissions plus all five roll-ups. It is persisted as a unit.
type Dataset struct {
	Submissions []survey.Submission
	Tables      map[survey.Level]Table
}

// groupKey joins a truncated location with an optional category value.
type groupKey struct {
	loc survey.LocationKey
	cat string
}

// Build produces the roll-up for one granularity.
func Build(subs []survey.Submission, model *quota.Model, level survey.Level) (Table, error) {
	switch level {
	case survey.LevelAll, survey.LevelProvince, survey.LevelRegency, survey.LevelDistrict, survey.LevelVillage:
	default:
		return Table{}, fmt.Errorf("unknown roll-up level %q", level)
	}

	column := model.TargetColumn()

	// Three independent group-bys, left-joined by map lookup: a missing key
	// reads as zero, never as a dropped row.
	sample := make(map[groupKey]int)
	approved := make(map[groupKey]int)
	rejected := make(map[groupKey]int)
	for _, s := range subs {
		k := groupKey{loc: s.Location.Truncate(level)}
		if column != "" {
			k.cat = s.Field(column)
		}
		sample[k]++
		switch s.Status {
		case survey.StatusApproved:
			approved[k]++
		case survey.StatusRejected:
			rejected[k]++
		}
	}

	// The planned universe: every quota location, per category when split.
	keys := make(map[groupKey]bool, len(sample))
	for k := range sample {
		keys[k] = true
	}
	for _, loc := range model.Keys(level) {
		if column == "" {
			keys[groupKey{loc: loc}] = true
			continue
		}
		for _, cat := range model.Categories() {
			keys[groupKey{loc: loc, cat: cat}] = true
		}
	}

	rows := make([]Row, 0, len(keys))
	for k := range keys {
		r := Row{
			Location: k.loc,
			Category: k.cat,
			Sample:   sample[k],
			Approved: approved[k],
			Rejected: rejected[k],
			Target:   model.TargetFor(k.loc, level, k.cat),
		}
		r.Awaiting = r.Sample - r.Approved - r.Rejected
		if r.Deficit = r.Target - r.Approved; r.Deficit < 0 {
			r.Deficit = 0
		}
		if level == survey.LevelProvince {
			r.ApprovedPct = percent(r.Approved, r.Sample)
			r.RejectedPct = percent(r.Rejected, r.Sample)
			r.AwaitingPct = percent(r.Awaiting, r.Sample)
			r.TargetPct = percent(r.Approved, r.Target)
		}
		rows = append(rows, r)
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].Location.String(), rows[j].Location.String()
		if a != b {
			return a < b
		}
		return rows[i].Category < rows[j].Category
	})

	return Table{Level: level, TargetColumn: column, Rows: rows}, nil
}

// BuildAll produces the complete per-survey Dataset.
func BuildAll(subs []survey.Submission, model *quota.Model) (Dataset, error) {
	ds := Dataset{
		Submissions: subs,
		Tables:      make(map[survey.Level]Table, 5),
	}
	for _, level := range survey.Levels() {
		t, err := Build(subs, model, level)
		if err != nil {
			return Dataset{}, err
		}
		ds.Tables[level] = t
	}
	return ds, nil
}

// percent returns part/whole as a percentage rounded to one decimal, 0 when
// the denominator is 0 so division-by-zero never propagates into the tables.
func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	p := decimal.NewFromInt(int64(part) * 100).
		Div(decimal.NewFromInt(int64(whole))).
		Round(1)
	f, _ := p.Float64()
	return f
}
