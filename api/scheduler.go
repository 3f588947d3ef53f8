/*
scheduler.go - Periodic refresh scheduler

PURPOSE:
  Re-runs the refresh pipeline for every registered survey on a fixed
  cadence: an hourly baseline tick plus fixed wall-clock times during field
  hours (every half hour, 07:00-21:30 by default).

DESIGN:
  - Runs a background goroutine; Start/Stop are idempotent enough for the
    server lifecycle
  - Surveys are refreshed sequentially within a batch; one survey's failure
    is logged and skipped, never aborting the rest of the batch
  - A failed survey keeps its previous tables and timestamp; the next cycle
    is its retry

CONFIGURATION:
  - CheckInterval: baseline tick (default: 1 hour)
  - FixedTimes:    "HH:MM" local wall-clock triggers
  - Enabled:       whether the scheduler is active (default: true)

USAGE:
  scheduler := NewRefreshScheduler(store, handler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - refresh.go: the per-survey pipeline
  - handlers.go: RefreshSurvey, the manual trigger
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/kedaikopi/surveyqc/store/sqlite"
)

// RefreshScheduler periodically refreshes every registered survey.
type RefreshScheduler struct {
	Store         *sqlite.Store
	Handler       *Handler
	CheckInterval time.Duration
	FixedTimes    []string // "HH:MM", local time
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRefreshScheduler creates a scheduler with the default cadence.
func NewRefreshScheduler(store *sqlite.Store, handler *Handler) *RefreshScheduler {
	return &RefreshScheduler{
		Store:         store,
		Handler:       handler,
		CheckInterval: 1 * time.Hour,
		FixedTimes:    defaultFixedTimes(),
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// defaultFixedTimes returns every half hour from 07:00 through 21:30.
func defaultFixedTimes() []string {
	var out []string
	for hour := 7; hour < 22; hour++ {
		out = append(out,
			time.Date(0, 1, 1, hour, 0, 0, 0, time.UTC).Format("15:04"),
			time.Date(0, 1, 1, hour, 30, 0, 0, time.UTC).Format("15:04"))
	}
	return out
}

// Start begins the scheduler.
func (rs *RefreshScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run()

	log.Printf("[Scheduler] Started with check interval %v and %d fixed times", rs.CheckInterval, len(rs.FixedTimes))
}

// Stop stops the scheduler.
func (rs *RefreshScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (rs *RefreshScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RefreshAll()

	for {
		timer := time.NewTimer(rs.untilNextFixedTime(time.Now()))
		select {
		case <-rs.ticker.C:
			rs.RefreshAll()
		case <-timer.C:
			rs.RefreshAll()
		case <-rs.stop:
			timer.Stop()
			return
		}
		timer.Stop()
	}
}

// untilNextFixedTime returns the wait until the next configured wall-clock
// trigger, or one interval when no fixed times are configured.
func (rs *RefreshScheduler) untilNextFixedTime(now time.Time) time.Duration {
	best := time.Duration(0)
	for _, ft := range rs.FixedTimes {
		parsed, err := time.Parse("15:04", ft)
		if err != nil {
			continue
		}
		at := time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, now.Location())
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		if d := at.Sub(now); best == 0 || d < best {
			best = d
		}
	}
	if best == 0 {
		return rs.CheckInterval
	}
	return best
}

// RefreshAll runs one refresh batch over every registered survey. Exported
// for manual triggering and tests.
func (rs *RefreshScheduler) RefreshAll() {
	ctx := context.Background()

	surveys, err := rs.Store.ListSurveys(ctx)
	if err != nil {
		log.Printf("[Scheduler] Error listing surveys: %v", err)
		return
	}
	if len(surveys) == 0 {
		return
	}

	log.Printf("[Scheduler] Refreshing %d survey(s)", len(surveys))

	refreshed, failed := 0, 0
	for _, rec := range surveys {
		result, err := rs.Handler.refresh(ctx, rec)
		if err != nil {
			// Previous tables and timestamp stay as they are; the next
			// cycle retries.
			log.Printf("[Scheduler] Error refreshing %s: %v", rec.Name, err)
			failed++
			continue
		}
		if err := rs.Store.TouchLastRefresh(ctx, rec.Name, result.At); err != nil {
			log.Printf("[Scheduler] Error recording refresh for %s: %v", rec.Name, err)
			failed++
			continue
		}
		log.Printf("[Scheduler] Refreshed %s: %d submissions", rec.Name, result.Submissions)
		refreshed++
	}

	log.Printf("[Scheduler] Completed: %d refreshed, %d failed", refreshed, failed)
}
