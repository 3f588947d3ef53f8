/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for the API surface. They decouple the internal domain
  model from the external contract: the dashboard frontend consumes these,
  not the domain types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation happens in handlers and in the domain packages (quota, decode);
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - quota/quota.go: the Spec shape carried by RegisterSurveyRequest.Quota
*/
package api

import (
	"encoding/json"

	"github.com/kedaikopi/surveyqc/datamart"
	"github.com/kedaikopi/surveyqc/store/sqlite"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// SurveyDTO represents a registered survey in API responses.
type SurveyDTO struct {
	Name         string `json:"name"`
	FormID       string `json:"form_id"`
	LastRefresh  string `json:"last_refresh,omitempty"`
	TargetColumn string `json:"target_column,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
}

// RegisterSurveyRequest registers a survey: its SurveyCTO form, its quota
// template (quota.Spec shape) and an optional decoder override
// (decode.Table shape).
type RegisterSurveyRequest struct {
	Name    string          `json:"name"`
	FormID  string          `json:"form_id"`
	Quota   json.RawMessage `json:"quota"`
	Decoder json.RawMessage `json:"decoder,omitempty"`
}

// RegisterSurveyResponse reports the registration outcome, including
// soft data-quality warnings from plan validation.
type RegisterSurveyResponse struct {
	Survey      SurveyDTO `json:"survey"`
	Warnings    []string  `json:"warnings,omitempty"`
	Submissions int       `json:"submissions"`
}

// RefreshResponse reports a completed manual refresh.
type RefreshResponse struct {
	Name        string `json:"name"`
	RefreshedAt string `json:"refreshed_at"`
	Submissions int    `json:"submissions"`
}

// SummaryDTO bundles the datamart's headline numbers for one filter.
type SummaryDTO struct {
	Totals    datamart.Totals         `json:"totals"`
	Locations datamart.LocationCounts `json:"locations"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toSurveyDTO(rec sqlite.SurveyRecord) SurveyDTO {
	dto := SurveyDTO{
		Name:         rec.Name,
		FormID:       rec.FormID,
		TargetColumn: rec.TargetColumn,
	}
	if !rec.CreatedAt.IsZero() {
		dto.CreatedAt = rec.CreatedAt.Format("2006-01-02 15:04:05")
	}
	if rec.LastRefresh != nil {
		dto.LastRefresh = rec.LastRefresh.Format("2006-01-02 15:04:05")
	}
	return dto
}
