/*
handlers.go - HTTP API handlers for the QC dashboard backend

PURPOSE:
  Exposes the survey registry, refresh pipeline and datamart views over
  REST. Handles HTTP request/response and JSON serialization, delegating
  everything of substance to the domain packages.

ENDPOINTS:
  Surveys:
    GET    /api/surveys                       List registered surveys
    POST   /api/surveys                       Register + first load
    DELETE /api/surveys/{name}                Remove survey and its tables
    POST   /api/surveys/{name}/refresh        Manual refresh

  Data:
    GET    /api/surveys/{name}/rollup/{level} Persisted roll-up (all|prov|kab|kec|kel)
    GET    /api/surveys/{name}/summary        Totals + location counts
    GET    /api/surveys/{name}/status         Review status aggregate
    GET    /api/surveys/{name}/crosstab       Category x status cross tab

  Data endpoints take optional query filters: province, regency, district,
  village, category. Filters compose with AND.

ERROR HANDLING:
  - 400: Validation errors (bad template, bad weights, bad survey name)
  - 404: Unknown survey or roll-up level
  - 409: Survey name already registered
  - 502: Upstream SurveyCTO failure
  - 500: Everything else

SECURITY NOTE:
  No authentication; the dashboard's auth layer lives in front of this
  service.

SEE ALSO:
  - dto.go: Request/response data structures
  - refresh.go: The download -> normalize -> recap -> persist pipeline
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kedaikopi/surveyqc/datamart"
	"github.com/kedaikopi/surveyqc/decode"
	"github.com/kedaikopi/surveyqc/quota"
	"github.com/kedaikopi/surveyqc/scto"
	"github.com/kedaikopi/surveyqc/store/sqlite"
	"github.com/kedaikopi/surveyqc/survey"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Client    *scto.Client
	Reference decode.Table // internal reference code tables
}

// NewHandler creates a handler with the given dependencies.
func NewHandler(store *sqlite.Store, client *scto.Client, reference decode.Table) *Handler {
	return &Handler{Store: store, Client: client, Reference: reference}
}

// =============================================================================
// SURVEY REGISTRY HANDLERS
// =============================================================================

// ListSurveys returns every registered survey.
func (h *Handler) ListSurveys(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Store.ListSurveys(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list surveys", err)
		return
	}
	dtos := make([]SurveyDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toSurveyDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RegisterSurvey validates a new survey's templates, records the registry
// row, then performs the first download and recap. A failed first load rolls
// the registration back, row and tables both, so a failure leaves no trace.
func (h *Handler) RegisterSurvey(w http.ResponseWriter, r *http.Request) {
	var req RegisterSurveyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !sqlite.ValidSurveyName(req.Name) {
		writeError(w, http.StatusBadRequest, "Survey name must match [A-Za-z_][A-Za-z0-9_]* and not be reserved", nil)
		return
	}
	if req.FormID == "" {
		writeError(w, http.StatusBadRequest, "form_id is required", nil)
		return
	}
	if _, err := h.Store.GetSurvey(r.Context(), req.Name); err == nil {
		writeError(w, http.StatusConflict, "Survey name already exists", nil)
		return
	}

	// Validate templates eagerly, before touching the upstream API.
	spec, err := quota.ParseTemplate(req.Quota)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid quota template", err)
		return
	}
	model, err := quota.Build(spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid quota template", err)
		return
	}
	warnings, err := model.Validate(h.Reference)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Quota plan failed reference validation", err)
		return
	}
	if len(req.Decoder) > 0 {
		if _, err := decode.ParseSpec(req.Decoder); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid decoder template", err)
			return
		}
	}

	rec := sqlite.SurveyRecord{
		Name:         req.Name,
		FormID:       req.FormID,
		QuotaSpec:    req.Quota,
		TargetColumn: model.TargetColumn(),
		Decoder:      req.Decoder,
	}
	rec.LocationUniverse, _ = json.Marshal(model.LocationLists())
	rec.RegionMap, _ = json.Marshal(model.Regions())

	// Claim the registry row before loading any data: if the row can't be
	// written there is nothing to clean up, and a concurrent duplicate fails
	// here instead of leaving orphaned data tables behind.
	if err := h.Store.SaveSurvey(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save survey", err)
		return
	}

	// First load. A failure rolls the registration back entirely.
	result, err := h.refresh(r.Context(), rec)
	if err != nil {
		if derr := h.Store.DeleteSurvey(r.Context(), req.Name); derr != nil {
			log.Printf("[Register] Error rolling back %s: %v", req.Name, derr)
		}
		writeRefreshError(w, err)
		return
	}
	if err := h.Store.TouchLastRefresh(r.Context(), req.Name, result.At); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to record refresh", err)
		return
	}

	saved, err := h.Store.GetSurvey(r.Context(), req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reload survey", err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterSurveyResponse{
		Survey:      toSurveyDTO(saved),
		Warnings:    warnings,
		Submissions: result.Submissions,
	})
}

// DeleteSurvey removes a survey and drops its data tables.
func (h *Handler) DeleteSurvey(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := h.Store.GetSurvey(r.Context(), name); err != nil {
		writeNotFoundOr500(w, err)
		return
	}
	if err := h.Store.DeleteSurvey(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete survey", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RefreshSurvey re-runs the download/recap pipeline for one survey on
// demand.
func (h *Handler) RefreshSurvey(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rec, err := h.Store.GetSurvey(r.Context(), name)
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}

	result, err := h.refresh(r.Context(), rec)
	if err != nil {
		writeRefreshError(w, err)
		return
	}
	if err := h.Store.TouchLastRefresh(r.Context(), name, result.At); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to record refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, RefreshResponse{
		Name:        name,
		RefreshedAt: result.At.Format("2006-01-02 15:04:05"),
		Submissions: result.Submissions,
	})
}

// =============================================================================
// DATA HANDLERS
// =============================================================================

var levelNames = map[string]survey.Level{
	"all":  survey.LevelAll,
	"prov": survey.LevelProvince,
	"kab":  survey.LevelRegency,
	"kec":  survey.LevelDistrict,
	"kel":  survey.LevelVillage,
}

// GetRollup serves one persisted roll-up table.
func (h *Handler) GetRollup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	level, ok := levelNames[chi.URLParam(r, "level")]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown roll-up level", nil)
		return
	}
	rec, err := h.Store.GetSurvey(r.Context(), name)
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}
	table, err := h.Store.LoadRollup(r.Context(), name, level)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load roll-up", err)
		return
	}
	table.TargetColumn = rec.TargetColumn
	writeJSON(w, http.StatusOK, table)
}

// GetSummary serves datamart totals and location counts under the query
// filter.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	dm, f, ok := h.loadDatamart(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, SummaryDTO{
		Totals:    dm.Totals(f),
		Locations: dm.LocationCounts(f),
	})
}

// GetStatusCounts serves the review status aggregate under the query filter.
func (h *Handler) GetStatusCounts(w http.ResponseWriter, r *http.Request) {
	dm, f, ok := h.loadDatamart(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, dm.StatusCounts(f))
}

// GetCrossTab serves the category-by-status cross tabulation.
func (h *Handler) GetCrossTab(w http.ResponseWriter, r *http.Request) {
	dm, f, ok := h.loadDatamart(w, r)
	if !ok {
		return
	}
	if dm.TargetColumn() == "" {
		writeError(w, http.StatusBadRequest, "Survey has no target column", nil)
		return
	}
	writeJSON(w, http.StatusOK, dm.CategoryStatusCrossTab(f))
}

func (h *Handler) loadDatamart(w http.ResponseWriter, r *http.Request) (*datamart.Datamart, datamart.Filter, bool) {
	name := chi.URLParam(r, "name")
	dm, err := datamart.Load(r.Context(), h.Store, name)
	if err != nil {
		writeNotFoundOr500(w, err)
		return nil, datamart.Filter{}, false
	}
	q := r.URL.Query()
	f := datamart.Filter{
		Province: q.Get("province"),
		Regency:  q.Get("regency"),
		District: q.Get("district"),
		Village:  q.Get("village"),
		Category: q.Get("category"),
	}
	return dm, f, true
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeNotFoundOr500(w http.ResponseWriter, err error) {
	if errors.Is(err, survey.ErrSurveyNotFound) {
		writeError(w, http.StatusNotFound, "Survey not found", err)
		return
	}
	writeError(w, http.StatusInternalServerError, "Failed to load survey", err)
}

// writeRefreshError maps the refresh pipeline's error classes to HTTP
// statuses per the error taxonomy.
func writeRefreshError(w http.ResponseWriter, err error) {
	switch {
	case survey.IsValidation(err):
		writeError(w, http.StatusBadRequest, "Validation failed", err)
	case errors.Is(err, scto.ErrUnauthorized), errors.Is(err, scto.ErrFormNotFound):
		writeError(w, http.StatusBadGateway, "SurveyCTO rejected the request", err)
	case errors.Is(err, survey.ErrMissingColumn):
		writeError(w, http.StatusBadGateway, "Upstream data is missing required columns", err)
	default:
		writeError(w, http.StatusBadGateway, "Refresh failed", err)
	}
}
