/*
Package survey defines the shared domain types for the QC recapitulation
engine.

PURPOSE:
  These types are the vocabulary every other package speaks: a normalized
  Submission (one respondent), the four-level administrative LocationKey,
  the roll-up granularity Level, and the review status enum.

KEY CONCEPTS IN THIS FILE (types.go):
  - ReviewStatus: APPROVED / REJECTED / AWAITING (upstream "pending" and
    "NONE" both normalize to AWAITING)
  - LocationKey: province > regency > district > village path. Keys are
    composite because location names are not unique across sibling branches;
    two provinces may each contain a district with the same name.
  - Level: the granularity of a roll-up table (all, province, regency,
    district, village)

DESIGN PRINCIPLES:
  1. Value semantics: Submission and LocationKey are plain comparable values
  2. Composite keys: grouping always uses the full path down to the level
  3. No hidden state: the sentinel for undecodable values lives in decode

SEE ALSO:
  - decode: code-to-label decoding and the UNRECOGNIZED sentinel
  - quota: target plans keyed by LocationKey
  - recap: roll-up tables built from these types
*/
package survey

import "strings"

// =============================================================================
// REVIEW STATUS
// =============================================================================

type ReviewStatus string

const (
	StatusApproved ReviewStatus = "APPROVED"
	StatusRejected ReviewStatus = "REJECTED"
	StatusAwaiting ReviewStatus = "AWAITING"
)

// ParseReviewStatus normalizes an upstream review status value.
// SurveyCTO reports "approved", "rejected", "pending" or "NONE"; blank and
// unknown values count as awaiting review.
func ParseReviewStatus(raw string) ReviewStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "APPROVED":
		return StatusApproved
	case "REJECTED":
		return StatusRejected
	default:
		return StatusAwaiting
	}
}

// =============================================================================
// LOCATION KEY
// =============================================================================

// Level is the granularity of a roll-up table.
type Level string

const (
	LevelAll      Level = "all"      // village grain, every admin column reported
	LevelProvince Level = "prov"
	LevelRegency  Level = "kab"
	LevelDistrict Level = "kec"
	LevelVillage  Level = "kel"
)

// Levels lists every roll-up granularity in persistence order.
func Levels() []Level {
	return []Level{LevelAll, LevelProvince, LevelRegency, LevelDistrict, LevelVillage}
}

// LocationKey identifies a location by its full administrative path.
// Fields below the key's level are empty.
type LocationKey struct {
	Province string
	Regency  string
	District string
	Village  string
}

// Truncate returns the key cut down to the given level. LevelAll keeps the
// full path (village grain).
func (k LocationKey) Truncate(level Level) LocationKey {
	switch level {
	case LevelProvince:
		return LocationKey{Province: k.Province}
	case LevelRegency:
		return LocationKey{Province: k.Province, Regency: k.Regency}
	case LevelDistrict:
		return LocationKey{Province: k.Province, Regency: k.Regency, District: k.District}
	default:
		return k
	}
}

// Name returns the location's own name at the key's finest populated level.
func (k LocationKey) Name() string {
	switch {
	case k.Village != "":
		return k.Village
	case k.District != "":
		return k.District
	case k.Regency != "":
		return k.Regency
	default:
		return k.Province
	}
}

// String joins the populated path segments with "_", matching the persisted
// loc_id convention.
func (k LocationKey) String() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{k.Province, k.Regency, k.District, k.Village} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "_")
}

// =============================================================================
// SUBMISSION
// =============================================================================

// Submission is one normalized respondent record.
// Location names and identity fields are upper-cased and trimmed by the
// ingestion normalizer; undecodable categorical values carry the
// decode.Unrecognized sentinel.
type Submission struct {
	Location   LocationKey
	Region     string // WILAYAH, derived from the village-to-region map
	Respondent string
	Household  string
	Enumerator string
	Status     ReviewStatus
	QCNote     string
	Link       string // deep link to the submission on the SurveyCTO server

	// Extra carries decoded multi-choice and categorical columns that are
	// survey-specific (e.g. JK, USIA_KAT). The target category value, when a
	// survey defines one, lives here.
	Extra map[string]string
}

// Field returns a named attribute of the submission: a fixed column by its
// upstream name, or an extra categorical column.
func (s Submission) Field(name string) string {
	switch name {
	case "PROV":
		return s.Location.Province
	case "KOTA_KAB":
		return s.Location.Regency
	case "KEC":
		return s.Location.District
	case "KEL":
		return s.Location.Village
	case "WILAYAH":
		return s.Region
	case "NAMA_RESPONDEN":
		return s.Respondent
	case "NAMA_KK":
		return s.Household
	case "NAMA_ENUM":
		return s.Enumerator
	case "CATATAN_QC":
		return s.QCNote
	case "review_status":
		return string(s.Status)
	}
	return s.Extra[name]
}
