package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kedaikopi/surveyqc/api"
	"github.com/kedaikopi/surveyqc/decode"
	"github.com/kedaikopi/surveyqc/scto"
	"github.com/kedaikopi/surveyqc/store/sqlite"
	"github.com/kedaikopi/surveyqc/survey"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeUpstream serves wide-JSON records for the form ids it knows and 404s
// the rest, like the real SurveyCTO API.
func fakeUpstream(t *testing.T, forms map[string][]map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		formID := strings.TrimPrefix(r.URL.Path, "/api/v2/forms/data/wide/json/")
		records, ok := forms[formID]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	}))
}

func testReference() decode.Table {
	return decode.Table{
		"PROV":     {"11": "Aceh", "51": "Bali"},
		"KOTA_KAB": {"1171": "Banda Aceh", "5171": "Denpasar"},
		"KEC":      {"117101": "Kuta Alam", "517101": "Denpasar Utara"},
		"KEL":      {"1": "Lampulo", "2": "Bandar Baru", "3": "Tonja"},
		"JK":       {"1": "Laki-laki", "2": "Perempuan"},
	}
}

func wideRecord(kel, jk, status string) map[string]any {
	return map[string]any{
		"PROV":           "11",
		"KOTA_KAB":       "1171",
		"KEC":            "117101",
		"KEL":            kel,
		"NAMA_RESPONDEN": "budi",
		"NAMA_KK":        "agus",
		"NAMA_ENUM":      "siti",
		"JK":             jk,
		"review_status":  status,
		"KEY":            "uuid:" + kel + jk + status,
	}
}

func newTestRouter(t *testing.T, forms map[string][]map[string]any) http.Handler {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	upstream := fakeUpstream(t, forms)
	t.Cleanup(upstream.Close)

	client := scto.New("testserver", "user", "pass")
	client.BaseURL = upstream.URL

	return api.NewRouter(api.NewHandler(store, client, testReference()))
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func registerRequest(name string) api.RegisterSurveyRequest {
	quota := map[string]any{
		"rows": []map[string]any{
			{"PROV": "ACEH", "KOTA_KAB": "BANDA ACEH", "KEC": "KUTA ALAM", "KEL": "LAMPULO", "JML": 10},
			{"PROV": "ACEH", "KOTA_KAB": "BANDA ACEH", "KEC": "KUTA ALAM", "KEL": "BANDAR BARU", "JML": 5},
		},
	}
	raw, _ := json.Marshal(quota)
	return api.RegisterSurveyRequest{Name: name, FormID: "form_ok", Quota: raw}
}

func defaultForms() map[string][]map[string]any {
	return map[string][]map[string]any{
		"form_ok": {
			wideRecord("1", "1", "approved"),
			wideRecord("1", "2", "rejected"),
			wideRecord("2", "1", "pending"),
		},
	}
}

// =============================================================================
// REGISTRATION
// =============================================================================

func TestRegisterSurvey_FullFirstLoad(t *testing.T) {
	router := newTestRouter(t, defaultForms())

	rr := doJSON(t, router, http.MethodPost, "/api/surveys", registerRequest("pilkada"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp api.RegisterSurveyResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "pilkada", resp.Survey.Name)
	assert.Equal(t, 3, resp.Submissions)
	assert.NotEmpty(t, resp.Survey.LastRefresh)

	// The first load already persisted queryable roll-ups.
	rr = doJSON(t, router, http.MethodGet, "/api/surveys/pilkada/rollup/kel", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var table struct {
		Rows []struct {
			Sample  int `json:"sample"`
			Target  int `json:"target"`
			Deficit int `json:"deficit"`
		} `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &table))
	require.Len(t, table.Rows, 2)
}

func TestRegisterSurvey_BadWeightsRejectedBeforeDownload(t *testing.T) {
	// No upstream forms at all: validation must fail before any fetch.
	router := newTestRouter(t, nil)

	req := registerRequest("pilkada")
	quota := map[string]any{
		"rows": []map[string]any{
			{"PROV": "ACEH", "KOTA_KAB": "BANDA ACEH", "KEC": "KUTA ALAM", "KEL": "LAMPULO", "JML": 10},
		},
		"target": map[string]any{
			"column":  "JK",
			"weights": map[string]int{"LAKI-LAKI": 60, "PEREMPUAN": 30},
		},
	}
	req.Quota, _ = json.Marshal(quota)

	rr := doJSON(t, router, http.MethodPost, "/api/surveys", req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "must sum to 100")
}

func TestRegisterSurvey_UnknownProvinceFatal(t *testing.T) {
	router := newTestRouter(t, nil)

	req := registerRequest("pilkada")
	quota := map[string]any{
		"rows": []map[string]any{
			{"PROV": "ATLANTIS", "KOTA_KAB": "BANDA ACEH", "KEC": "KUTA ALAM", "KEL": "LAMPULO", "JML": 10},
		},
	}
	req.Quota, _ = json.Marshal(quota)

	rr := doJSON(t, router, http.MethodPost, "/api/surveys", req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "ATLANTIS")
}

func TestRegisterSurvey_InvalidName(t *testing.T) {
	router := newTestRouter(t, defaultForms())
	for _, name := range []string{"2026 bad name", "surveys", "x_rekap_kel"} {
		req := registerRequest(name)
		rr := doJSON(t, router, http.MethodPost, "/api/surveys", req)
		assert.Equal(t, http.StatusBadRequest, rr.Code, name)
	}
}

func TestRegisterSurvey_DuplicateName(t *testing.T) {
	router := newTestRouter(t, defaultForms())

	require.Equal(t, http.StatusCreated,
		doJSON(t, router, http.MethodPost, "/api/surveys", registerRequest("dup")).Code)
	assert.Equal(t, http.StatusConflict,
		doJSON(t, router, http.MethodPost, "/api/surveys", registerRequest("dup")).Code)
}

func TestRegisterSurvey_UnknownFormLeavesNoTrace(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	upstream := fakeUpstream(t, defaultForms())
	t.Cleanup(upstream.Close)
	client := scto.New("testserver", "user", "pass")
	client.BaseURL = upstream.URL
	router := api.NewRouter(api.NewHandler(store, client, testReference()))

	req := registerRequest("ghost")
	req.FormID = "form_missing"
	rr := doJSON(t, router, http.MethodPost, "/api/surveys", req)
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	// The failed registration must leave neither a registry row nor data
	// tables behind.
	_, err = store.GetSurvey(context.Background(), "ghost")
	assert.ErrorIs(t, err, survey.ErrSurveyNotFound)
	_, err = store.LoadSubmissions(context.Background(), "ghost")
	assert.Error(t, err)

	rr = doJSON(t, router, http.MethodGet, "/api/surveys", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var surveys []api.SurveyDTO
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &surveys))
	assert.Empty(t, surveys)
}

// =============================================================================
// REFRESH AND DELETE
// =============================================================================

func TestRefreshSurvey(t *testing.T) {
	router := newTestRouter(t, defaultForms())
	require.Equal(t, http.StatusCreated,
		doJSON(t, router, http.MethodPost, "/api/surveys", registerRequest("s")).Code)

	rr := doJSON(t, router, http.MethodPost, "/api/surveys/s/refresh", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp api.RefreshResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Submissions)
	assert.NotEmpty(t, resp.RefreshedAt)
}

func TestRefreshSurvey_Unknown(t *testing.T) {
	router := newTestRouter(t, defaultForms())
	rr := doJSON(t, router, http.MethodPost, "/api/surveys/nope/refresh", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDeleteSurvey(t *testing.T) {
	router := newTestRouter(t, defaultForms())
	require.Equal(t, http.StatusCreated,
		doJSON(t, router, http.MethodPost, "/api/surveys", registerRequest("s")).Code)

	assert.Equal(t, http.StatusNoContent,
		doJSON(t, router, http.MethodDelete, "/api/surveys/s", nil).Code)
	assert.Equal(t, http.StatusNotFound,
		doJSON(t, router, http.MethodGet, "/api/surveys/s/summary", nil).Code)
}

// =============================================================================
// DATA ENDPOINTS
// =============================================================================

func TestGetRollup_UnknownLevel(t *testing.T) {
	router := newTestRouter(t, defaultForms())
	require.Equal(t, http.StatusCreated,
		doJSON(t, router, http.MethodPost, "/api/surveys", registerRequest("s")).Code)

	rr := doJSON(t, router, http.MethodGet, "/api/surveys/s/rollup/country", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetSummary_WithFilter(t *testing.T) {
	router := newTestRouter(t, defaultForms())
	require.Equal(t, http.StatusCreated,
		doJSON(t, router, http.MethodPost, "/api/surveys", registerRequest("s")).Code)

	rr := doJSON(t, router, http.MethodGet, "/api/surveys/s/summary?village=LAMPULO", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var summary api.SummaryDTO
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &summary))
	assert.Equal(t, 2, summary.Totals.Submissions)
	assert.Equal(t, 1, summary.Locations.Villages)
}

func TestGetStatusCounts(t *testing.T) {
	router := newTestRouter(t, defaultForms())
	require.Equal(t, http.StatusCreated,
		doJSON(t, router, http.MethodPost, "/api/surveys", registerRequest("s")).Code)

	rr := doJSON(t, router, http.MethodGet, "/api/surveys/s/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var counts []struct {
		Status string `json:"status"`
		Count  int    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &counts))
	assert.Len(t, counts, 3)
}

func TestGetCrossTab_RequiresTargetColumn(t *testing.T) {
	router := newTestRouter(t, defaultForms())
	require.Equal(t, http.StatusCreated,
		doJSON(t, router, http.MethodPost, "/api/surveys", registerRequest("s")).Code)

	rr := doJSON(t, router, http.MethodGet, "/api/surveys/s/crosstab", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestRefreshAll_IsolatesFailures(t *testing.T) {
	// GIVEN: One healthy survey and one whose form vanished upstream
	// WHEN: Running a scheduled batch
	// THEN: The healthy survey refreshes; the broken one keeps its timestamp

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	upstream := fakeUpstream(t, defaultForms())
	t.Cleanup(upstream.Close)
	client := scto.New("testserver", "user", "pass")
	client.BaseURL = upstream.URL

	handler := api.NewHandler(store, client, testReference())
	router := api.NewRouter(handler)

	require.Equal(t, http.StatusCreated,
		doJSON(t, router, http.MethodPost, "/api/surveys", registerRequest("healthy")).Code)

	broken := registerRequest("broken")
	quotaJSON := broken.Quota
	require.NoError(t, store.SaveSurvey(context.Background(), sqlite.SurveyRecord{
		Name:             "broken",
		FormID:           "form_missing",
		LocationUniverse: json.RawMessage(`{}`),
		RegionMap:        json.RawMessage(`{}`),
		QuotaSpec:        quotaJSON,
	}))

	scheduler := api.NewRefreshScheduler(store, handler)
	scheduler.RefreshAll()

	healthy, err := store.GetSurvey(context.Background(), "healthy")
	require.NoError(t, err)
	require.NotNil(t, healthy.LastRefresh)

	brokenRec, err := store.GetSurvey(context.Background(), "broken")
	require.NoError(t, err)
	assert.Nil(t, brokenRec.LastRefresh, "a failed refresh must not advance the timestamp")
}
