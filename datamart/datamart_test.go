package datamart_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/kedaikopi/surveyqc/datamart"
	"github.com/kedaikopi/surveyqc/recap"
	"github.com/kedaikopi/surveyqc/store/sqlite"
	"github.com/kedaikopi/surveyqc/survey"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func registerSurvey(t *testing.T, store *sqlite.Store, name, targetColumn string) {
	t.Helper()
	err := store.SaveSurvey(context.Background(), sqlite.SurveyRecord{
		Name:             name,
		FormID:           "form_" + name,
		LocationUniverse: json.RawMessage(`{}`),
		RegionMap:        json.RawMessage(`{}`),
		QuotaSpec:        json.RawMessage(`{"rows": []}`),
		TargetColumn:     targetColumn,
	})
	if err != nil {
		t.Fatalf("failed to register survey: %v", err)
	}
}

func sub(prov, kab, kec, kel, respondent string, status survey.ReviewStatus, extra map[string]string) survey.Submission {
	return survey.Submission{
		Location:   survey.LocationKey{Province: prov, Regency: kab, District: kec, Village: kel},
		Respondent: respondent,
		Household:  respondent,
		Enumerator: "ENUM SATU",
		Status:     status,
		Extra:      extra,
	}
}

func emptyTables() map[survey.Level]recap.Table {
	tables := make(map[survey.Level]recap.Table, 5)
	for _, level := range survey.Levels() {
		tables[level] = recap.Table{Level: level}
	}
	return tables
}

func loadTestMart(t *testing.T, targetColumn string, subs []survey.Submission) *datamart.Datamart {
	t.Helper()
	ctx := context.Background()
	store := newTestStore(t)
	registerSurvey(t, store, "s", targetColumn)
	if err := store.SaveDataset(ctx, "s", recap.Dataset{Submissions: subs, Tables: emptyTables()}); err != nil {
		t.Fatalf("failed to save dataset: %v", err)
	}
	dm, err := datamart.Load(ctx, store, "s")
	if err != nil {
		t.Fatalf("failed to load datamart: %v", err)
	}
	return dm
}

func testSubmissions() []survey.Submission {
	male := map[string]string{"JK": "LAKI-LAKI"}
	female := map[string]string{"JK": "PEREMPUAN"}
	return []survey.Submission{
		sub("ACEH", "BANDA ACEH", "KUTA ALAM", "LAMPULO", "BUDI", survey.StatusApproved, male),
		sub("ACEH", "BANDA ACEH", "KUTA ALAM", "LAMPULO", "SITI", survey.StatusApproved, female),
		sub("ACEH", "BANDA ACEH", "KUTA ALAM", "BANDAR BARU", "BUDI", survey.StatusRejected, male),
		sub("BALI", "DENPASAR", "DENPASAR UTARA", "TONJA", "WAYAN", survey.StatusAwaiting, male),
		sub("BALI", "DENPASAR", "DENPASAR UTARA", "UNRECOGNIZED", "MADE", survey.StatusApproved, female),
	}
}

// =============================================================================
// TOTALS AND FILTERS
// =============================================================================

func TestTotals_Unfiltered(t *testing.T) {
	dm := loadTestMart(t, "JK", testSubmissions())

	totals := dm.Totals(datamart.Filter{})
	if totals.Submissions != 5 {
		t.Errorf("got %d submissions, want 5", totals.Submissions)
	}
	// BUDI appears in two villages: distinctness is scoped by location path,
	// so both count.
	if totals.Respondents != 5 {
		t.Errorf("got %d respondents, want 5", totals.Respondents)
	}
	if totals.Enumerators != 4 {
		t.Errorf("got %d enumerators, want 4 (one per village)", totals.Enumerators)
	}
}

func TestTotals_FiltersCompose(t *testing.T) {
	dm := loadTestMart(t, "JK", testSubmissions())

	totals := dm.Totals(datamart.Filter{Province: "ACEH", Category: "LAKI-LAKI"})
	if totals.Submissions != 2 {
		t.Errorf("got %d submissions, want 2 (ACEH AND male)", totals.Submissions)
	}

	totals = dm.Totals(datamart.Filter{Village: "TONJA"})
	if totals.Submissions != 1 {
		t.Errorf("got %d submissions, want 1", totals.Submissions)
	}
}

func TestLocationCounts_ExcludesUnrecognized(t *testing.T) {
	dm := loadTestMart(t, "JK", testSubmissions())

	counts := dm.LocationCounts(datamart.Filter{})
	if counts.Provinces != 2 || counts.Regencies != 2 || counts.Districts != 2 {
		t.Errorf("got %d/%d/%d prov/kab/kec, want 2/2/2",
			counts.Provinces, counts.Regencies, counts.Districts)
	}
	// LAMPULO, BANDAR BARU, TONJA; the UNRECOGNIZED bucket is not a village.
	if counts.Villages != 3 {
		t.Errorf("got %d villages, want 3", counts.Villages)
	}
}

func TestLocationLists_SortedNames(t *testing.T) {
	dm := loadTestMart(t, "JK", testSubmissions())

	lists := dm.LocationLists(datamart.Filter{})
	want := []string{"ACEH", "BALI"}
	got := lists["PROV"]
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("got provinces %v, want %v", got, want)
	}
}

// =============================================================================
// STATUS AGGREGATES
// =============================================================================

func TestStatusCounts_SortedByAscendingCount(t *testing.T) {
	dm := loadTestMart(t, "JK", testSubmissions())

	counts := dm.StatusCounts(datamart.Filter{})
	if len(counts) != 3 {
		t.Fatalf("got %d buckets, want 3", len(counts))
	}
	if counts[len(counts)-1].Status != survey.StatusApproved || counts[len(counts)-1].Count != 3 {
		t.Errorf("largest bucket should be APPROVED=3, got %+v", counts[len(counts)-1])
	}
	for i := 1; i < len(counts); i++ {
		if counts[i].Count < counts[i-1].Count {
			t.Errorf("buckets not sorted by ascending count: %+v", counts)
		}
	}
}

func TestCategoryStatusCrossTab(t *testing.T) {
	dm := loadTestMart(t, "JK", testSubmissions())

	cells := dm.CategoryStatusCrossTab(datamart.Filter{})
	total := 0
	for _, c := range cells {
		total += c.Count
	}
	if total != 5 {
		t.Errorf("cross-tab counts sum to %d, want 5", total)
	}
}

func TestCategoryStatusCrossTab_NilWithoutTargetColumn(t *testing.T) {
	dm := loadTestMart(t, "", testSubmissions())
	if cells := dm.CategoryStatusCrossTab(datamart.Filter{}); cells != nil {
		t.Errorf("got %v, want nil for a survey without a category split", cells)
	}
}

// =============================================================================
// FIRST LOAD
// =============================================================================

func TestLoad_RegisteredButNeverRefreshed(t *testing.T) {
	// GIVEN: A registered survey whose data tables don't exist yet
	// WHEN: Loading the datamart
	// THEN: Queries answer over an empty dataset instead of failing

	ctx := context.Background()
	store := newTestStore(t)
	registerSurvey(t, store, "fresh", "")

	dm, err := datamart.Load(ctx, store, "fresh")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := dm.Totals(datamart.Filter{}); got.Submissions != 0 {
		t.Errorf("got %d submissions, want 0", got.Submissions)
	}
	if rows := dm.Rollup(survey.LevelProvince).Rows; len(rows) != 0 {
		t.Errorf("got %d roll-up rows, want 0", len(rows))
	}
}

func TestLoad_UnknownSurvey(t *testing.T) {
	store := newTestStore(t)
	_, err := datamart.Load(context.Background(), store, "nope")
	if !errors.Is(err, survey.ErrSurveyNotFound) {
		t.Fatalf("got %v, want ErrSurveyNotFound", err)
	}
}
