/*
Package ingest turns raw wide-format SurveyCTO records into normalized
submissions.

PURPOSE:
  The upstream export is denormalized and messy: numeric codes for
  categorical answers, a "_X" suffix convention marking the final selected
  value of multi-choice groups, free-text "other" fields for districts and
  villages the form's choice lists don't know, and blank review statuses.
  Normalize resolves all of that into survey.Submission values the
  recapitulation engine can group directly.

PIPELINE (per record):
  1. Select the fixed core column set plus any *_X multi-choice columns
     (suffix stripped from the output name)
  2. Map blank/"NONE"/"pending" review_status to AWAITING
  3. Decode categorical fields through the Decoder; misses become
     UNRECOGNIZED
  4. Upper-case and trim identity and location fields
  5. When a decoded district/village is UNRECOGNIZED, substitute the paired
     KEC_LAINNYA/KEL_LAINNYA free-text value
  6. Derive the WILAYAH region from the village-to-region map
  7. Derive a deep link from the record's unique submission KEY

FAILURE MODE:
  A dataset missing a required administrative column aborts normalization
  with survey.ErrMissingColumn. The refresh scheduler treats that as a
  failed cycle and leaves the previously persisted tables (and the
  last-refresh timestamp) untouched.

SEE ALSO:
  - scto: fetches the raw records this package consumes
  - decode: the code-table lookups applied in step 3
*/
package ingest

import (
	"fmt"
	"strings"

	"github.com/kedaikopi/surveyqc/decode"
	"github.com/kedaikopi/surveyqc/survey"
)

// Required columns. review_status and CATATAN_QC are deliberately absent:
// blank status means awaiting review, and older forms predate the QC note.
var requiredColumns = []string{
	"PROV", "KOTA_KAB", "KEC", "KEL",
	"NAMA_RESPONDEN", "NAMA_KK", "NAMA_ENUM", "KEY",
}

// fixedColumns are consumed into named Submission fields and never appear in
// Extra.
var fixedColumns = map[string]bool{
	"PROV": true, "KOTA_KAB": true, "KEC": true, "KEL": true,
	"KEC_LAINNYA": true, "KEL_LAINNYA": true,
	"NAMA_RESPONDEN": true, "NAMA_KK": true, "NAMA_ENUM": true,
	"CATATAN_QC": true, "WILAYAH": true, "review_status": true, "KEY": true,
}

const multiChoiceSuffix = "_X"

// Options configures normalization.
type Options struct {
	// Server is the SurveyCTO server name, used to build submission deep
	// links.
	Server string
}

// Normalize converts raw wide records into submissions. It is pure apart
// from the decoder's internal lookups: no I/O, no mutation of its inputs.
func Normalize(records []map[string]any, dec *decode.Decoder, regions map[string]string, opts Options) ([]survey.Submission, error) {
	if err := checkColumns(records); err != nil {
		return nil, err
	}

	subs := make([]survey.Submission, 0, len(records))
	for _, raw := range records {
		rec := project(raw)

		var s survey.Submission
		s.Status = survey.ParseReviewStatus(rec["review_status"])
		s.Location.Province = decodeField(dec, rec, "PROV")
		s.Location.Regency = decodeField(dec, rec, "KOTA_KAB")
		s.Location.District = decodeField(dec, rec, "KEC")
		s.Location.Village = decodeField(dec, rec, "KEL")

		// "Other" fallback: the enumerator typed a name the choice list
		// doesn't carry.
		if s.Location.District == decode.Unrecognized {
			if other := clean(rec["KEC_LAINNYA"]); other != "" {
				s.Location.District = other
			}
		}
		if s.Location.Village == decode.Unrecognized {
			if other := clean(rec["KEL_LAINNYA"]); other != "" {
				s.Location.Village = other
			}
		}

		s.Respondent = clean(rec["NAMA_RESPONDEN"])
		s.Household = clean(rec["NAMA_KK"])
		s.Enumerator = clean(rec["NAMA_ENUM"])
		s.QCNote = rec["CATATAN_QC"]
		s.Region = regions[s.Location.Village]
		s.Link = submissionLink(opts.Server, rec["KEY"])

		s.Extra = make(map[string]string)
		for _, field := range dec.Fields() {
			if fixedColumns[field] {
				continue
			}
			if _, present := rec[field]; present {
				s.Extra[field] = dec.Decode(field, rec[field])
			}
		}
		for col, val := range rec {
			if fixedColumns[col] || dec.Has(col) {
				continue
			}
			if _, multi := raw[col+multiChoiceSuffix]; multi {
				s.Extra[col] = val
			}
		}

		subs = append(subs, s)
	}
	return subs, nil
}

// project selects the record's columns as strings, stripping the
// multi-choice suffix. A plain column and its _X twin can coexist upstream;
// the selected (_X) value wins.
func project(raw map[string]any) map[string]string {
	rec := make(map[string]string, len(raw))
	for col, val := range raw {
		if strings.HasSuffix(col, multiChoiceSuffix) {
			continue
		}
		rec[col] = asString(val)
	}
	for col, val := range raw {
		if name, ok := strings.CutSuffix(col, multiChoiceSuffix); ok && name != "" {
			rec[name] = asString(val)
		}
	}
	return rec
}

// checkColumns verifies the dataset carries every required column in at
// least one record (the upstream export is column-stable across records, but
// a wrong form id yields a different shape entirely).
func checkColumns(records []map[string]any) error {
	if len(records) == 0 {
		return nil
	}
	present := make(map[string]bool)
	for _, raw := range records {
		for col := range raw {
			present[strings.TrimSuffix(col, multiChoiceSuffix)] = true
			present[col] = true
		}
	}
	for _, col := range requiredColumns {
		if !present[col] {
			return fmt.Errorf("%w: %s", survey.ErrMissingColumn, col)
		}
	}
	return nil
}

// decodeField decodes a categorical column when the decoder covers it,
// otherwise normalizes the free-text value.
func decodeField(dec *decode.Decoder, rec map[string]string, col string) string {
	if dec.Has(col) {
		return dec.Decode(col, rec[col])
	}
	return clean(rec[col])
}

// submissionLink builds the deep link to a submission on the SurveyCTO
// server from its unique KEY ("uuid:<id>").
func submissionLink(server, key string) string {
	id := key
	if i := strings.LastIndex(key, "uuid:"); i >= 0 {
		id = key[i+len("uuid:"):]
	}
	if server == "" || id == "" {
		return ""
	}
	return fmt.Sprintf("https://%s.surveycto.com/view/submission.html?uuid=uuid%%3A%s", server, id)
}

func clean(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
