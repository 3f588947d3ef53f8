/*
refresh.go - The per-survey refresh pipeline

PURPOSE:
  One refresh cycle for one survey:
    download raw records -> normalize -> rebuild quota model ->
    recompute all roll-ups -> persist atomically

  The last-refresh timestamp is NOT advanced here: callers record it only
  after the pipeline succeeds, so the timestamp always describes the tables
  a reader can see.

FAILURE SEMANTICS:
  Any error aborts the cycle before SaveDataset commits; the previously
  persisted tables stay untouched and visible. There is no immediate retry;
  the next scheduled cycle is the retry.

SEE ALSO:
  - scheduler.go: the periodic caller, with per-survey failure isolation
  - handlers.go: RegisterSurvey and RefreshSurvey, the on-demand callers
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/kedaikopi/surveyqc/decode"
	"github.com/kedaikopi/surveyqc/ingest"
	"github.com/kedaikopi/surveyqc/quota"
	"github.com/kedaikopi/surveyqc/recap"
	"github.com/kedaikopi/surveyqc/store/sqlite"
)

// refreshResult summarizes one successful cycle.
type refreshResult struct {
	At          time.Time
	Submissions int
}

// refresh runs the full pipeline for one registered survey. The registry
// row itself is not modified.
func (h *Handler) refresh(ctx context.Context, rec sqlite.SurveyRecord) (refreshResult, error) {
	spec, err := quota.ParseTemplate(rec.QuotaSpec)
	if err != nil {
		return refreshResult{}, fmt.Errorf("quota spec for %s: %w", rec.Name, err)
	}
	model, err := quota.Build(spec)
	if err != nil {
		return refreshResult{}, fmt.Errorf("quota spec for %s: %w", rec.Name, err)
	}

	var override decode.Table
	if len(rec.Decoder) > 0 {
		override, err = decode.ParseSpec(rec.Decoder)
		if err != nil {
			return refreshResult{}, fmt.Errorf("decoder spec for %s: %w", rec.Name, err)
		}
	}
	dec := decode.NewDecoder(h.Reference, override)

	records, err := h.Client.FetchFormData(ctx, rec.FormID)
	if err != nil {
		return refreshResult{}, err
	}

	subs, err := ingest.Normalize(records, dec, model.Regions(), ingest.Options{Server: h.Client.Server})
	if err != nil {
		return refreshResult{}, fmt.Errorf("normalize %s: %w", rec.Name, err)
	}

	ds, err := recap.BuildAll(subs, model)
	if err != nil {
		return refreshResult{}, fmt.Errorf("recap %s: %w", rec.Name, err)
	}

	if err := h.Store.SaveDataset(ctx, rec.Name, ds); err != nil {
		return refreshResult{}, fmt.Errorf("persist %s: %w", rec.Name, err)
	}

	return refreshResult{At: time.Now(), Submissions: len(subs)}, nil
}
