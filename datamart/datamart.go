/*
Package datamart is the read-side facade over a survey's persisted tables.

PURPOSE:
  The dashboard asks derived questions the roll-up tables don't answer
  directly: how many distinct respondents, households and enumerators; how
  the statuses distribute; how categories cross-tabulate with statuses. A
  Datamart loads one survey's persisted tables once and answers those
  questions in memory, with no side effects.

SCOPE:
  A Datamart is request-scoped: Load builds one from the store, callers use
  it and let it go. There is no process-wide cached instance; the old
  dashboard's implicit session cache is deliberately gone.

FILTERS:
  All query filters compose with logical AND. An empty filter field means
  "all". An absent category filter means all categories.

FIRST LOAD:
  A survey registered but never successfully refreshed has no data tables
  yet; Load treats that as an empty dataset rather than an error.

SEE ALSO:
  - store/sqlite: where the tables come from
  - recap: the roll-up tables served verbatim through Rollup
*/
package datamart

import (
	"context"
	"errors"
	"sort"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/kedaikopi/surveyqc/decode"
	"github.com/kedaikopi/surveyqc/recap"
	"github.com/kedaikopi/surveyqc/store/sqlite"
	"github.com/kedaikopi/surveyqc/survey"
)

// Datamart answers derived queries over one survey's persisted data.
type Datamart struct {
	name         string
	targetColumn string
	subs         []survey.Submission
	rollups      map[survey.Level]recap.Table
}

// Filter narrows queries to a location subtree and/or category. Fields
// compose with AND; empty means unfiltered.
type Filter struct {
	Province string
	Regency  string
	District string
	Village  string
	Category string
}

func (f Filter) matches(s survey.Submission, targetColumn string) bool {
	if f.Province != "" && s.Location.Province != f.Province {
		return false
	}
	if f.Regency != "" && s.Location.Regency != f.Regency {
		return false
	}
	if f.District != "" && s.Location.District != f.District {
		return false
	}
	if f.Village != "" && s.Location.Village != f.Village {
		return false
	}
	if f.Category != "" && targetColumn != "" && s.Field(targetColumn) != f.Category {
		return false
	}
	return true
}

// Load builds a Datamart for one registered survey.
func Load(ctx context.Context, store *sqlite.Store, name string) (*Datamart, error) {
	rec, err := store.GetSurvey(ctx, name)
	if err != nil {
		return nil, err
	}

	dm := &Datamart{
		name:         rec.Name,
		targetColumn: rec.TargetColumn,
		rollups:      make(map[survey.Level]recap.Table, 5),
	}

	dm.subs, err = store.LoadSubmissions(ctx, name)
	if err != nil {
		if !missingTable(err) {
			return nil, err
		}
		dm.subs = nil // registered but not yet loaded
	}
	for _, level := range survey.Levels() {
		t, err := store.LoadRollup(ctx, name, level)
		if err != nil {
			if !missingTable(err) {
				return nil, err
			}
			t = recap.Table{Level: level}
		}
		dm.rollups[level] = t
	}
	return dm, nil
}

// missingTable detects a query against a table the first refresh has not
// created yet. Only the driver's own error qualifies; "no such table" inside
// wrapped free text (a submission value, say) must not match.
func missingTable(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code == sqlite3.ErrError && strings.Contains(serr.Error(), "no such table")
}

// TargetColumn returns the survey's category column, "" when none.
func (dm *Datamart) TargetColumn() string { return dm.targetColumn }

// Rollup returns a persisted roll-up table as loaded.
func (dm *Datamart) Rollup(level survey.Level) recap.Table {
	return dm.rollups[level]
}

// =============================================================================
// TOTALS
// =============================================================================

// Totals reports submission and distinct-identity counts under a filter.
type Totals struct {
	Submissions int `json:"submissions"`
	Respondents int `json:"respondents"`
	Households  int `json:"households"`
	Enumerators int `json:"enumerators"`
}

// Totals counts submissions and distinct respondents, households and
// enumerators. Distinctness is scoped by the full location path: the same
// respondent name in two villages counts twice.
func (dm *Datamart) Totals(f Filter) Totals {
	var t Totals
	resp := make(map[string]bool)
	hh := make(map[string]bool)
	enum := make(map[string]bool)
	for _, s := range dm.subs {
		if !f.matches(s, dm.targetColumn) {
			continue
		}
		t.Submissions++
		path := s.Location.String()
		resp[path+"\x00"+s.Respondent] = true
		hh[path+"\x00"+s.Household] = true
		enum[path+"\x00"+s.Enumerator] = true
	}
	t.Respondents = len(resp)
	t.Households = len(hh)
	t.Enumerators = len(enum)
	return t
}

// =============================================================================
// LOCATIONS
// =============================================================================

// LocationLists returns the distinct location names present in the filtered
// submissions, per raw column name, sorted.
func (dm *Datamart) LocationLists(f Filter) map[string][]string {
	sets := map[string]map[string]bool{
		"PROV": {}, "KOTA_KAB": {}, "KEC": {}, "KEL": {},
	}
	for _, s := range dm.subs {
		if !f.matches(s, dm.targetColumn) {
			continue
		}
		sets["PROV"][s.Location.Province] = true
		sets["KOTA_KAB"][s.Location.Regency] = true
		sets["KEC"][s.Location.District] = true
		sets["KEL"][s.Location.Village] = true
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

// LocationCounts reports distinct known locations per level; the
// UNRECOGNIZED bucket is present in the lists but does not count as a
// location.
type LocationCounts struct {
	Provinces int `json:"provinces"`
	Regencies int `json:"regencies"`
	Districts int `json:"districts"`
	Villages  int `json:"villages"`
}

func (dm *Datamart) LocationCounts(f Filter) LocationCounts {
	lists := dm.LocationLists(f)
	count := func(names []string) int {
		n := len(names)
		for _, name := range names {
			if name == decode.Unrecognized {
				n--
			}
		}
		return n
	}
	return LocationCounts{
		Provinces: count(lists["PROV"]),
		Regencies: count(lists["KOTA_KAB"]),
		Districts: count(lists["KEC"]),
		Villages:  count(lists["KEL"]),
	}
}

// =============================================================================
// STATUS AGGREGATES
// =============================================================================

// StatusCount is one review status bucket.
type StatusCount struct {
	Status survey.ReviewStatus `json:"status"`
	Count  int                 `json:"count"`
}

// StatusCounts aggregates filtered submissions by review status, sorted by
// ascending count (the dashboard's chart convention), then status.
func (dm *Datamart) StatusCounts(f Filter) []StatusCount {
	counts := make(map[survey.ReviewStatus]int)
	for _, s := range dm.subs {
		if f.matches(s, dm.targetColumn) {
			counts[s.Status]++
		}
	}
	out := make([]StatusCount, 0, len(counts))
	for status, n := range counts {
		out = append(out, StatusCount{Status: status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count < out[j].Count
		}
		return out[i].Status < out[j].Status
	})
	return out
}

// CrossTabCell is one (category, status) bucket.
type CrossTabCell struct {
	Category string              `json:"category"`
	Status   survey.ReviewStatus `json:"status"`
	Count    int                 `json:"count"`
}

// CategoryStatusCrossTab tabulates filtered submissions by target category
// and review status. Nil when the survey has no target column.
func (dm *Datamart) CategoryStatusCrossTab(f Filter) []CrossTabCell {
	if dm.targetColumn == "" {
		return nil
	}
	type cell struct {
		cat    string
		status survey.ReviewStatus
	}
	counts := make(map[cell]int)
	for _, s := range dm.subs {
		if !f.matches(s, dm.targetColumn) {
			continue
		}
		counts[cell{cat: s.Field(dm.targetColumn), status: s.Status}]++
	}
	out := make([]CrossTabCell, 0, len(counts))
	for c, n := range counts {
		out = append(out, CrossTabCell{Category: c.cat, Status: c.status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count < out[j].Count
		}
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Status < out[j].Status
	})
	return out
}
