/*
scheduler.go - Periodic activity rebuild

PURPOSE:
  A save that fails after its bulk writes leaves activity stale until the
  next recompute. The scheduler periodically rebuilds every month of every
  mapped entity so the activity table converges without user action.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Runs once immediately on Start
  - Keeps the outcome of the last run for GET /api/admin/recalculate

CONFIGURATION:
  - Interval: How often to rebuild (config scheduler.interval, default 1h)
  - Enabled:  Whether scheduler is active (config scheduler.enabled)

USAGE:
  scheduler := NewRecalcScheduler(svc, log, time.Hour)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - allocation/save.go: Service.RecalculateAll
*/
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/warp/scoa-engine/allocation"
	"github.com/warp/scoa-engine/internal/logging"
)

const schedulerUser = "scheduler"

// RecalcRun is the outcome of one full rebuild.
type RecalcRun struct {
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Entities    int            `json:"entities"`
	RowsWritten map[string]int `json:"rows_written"`
	Error       string         `json:"error,omitempty"`
}

// RecalcScheduler rebuilds activity on a fixed interval.
type RecalcScheduler struct {
	Service  *allocation.Service
	Interval time.Duration
	Enabled  bool

	log     logging.Logger
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun *RecalcRun
}

// NewRecalcScheduler creates an enabled scheduler.
func NewRecalcScheduler(svc *allocation.Service, log logging.Logger, interval time.Duration) *RecalcScheduler {
	if log == nil {
		log = logging.NewNop()
	}
	return &RecalcScheduler{
		Service:  svc,
		Interval: interval,
		Enabled:  true,
		log:      log.WithField("component", "scheduler"),
		stop:     make(chan struct{}),
	}
}

// Start begins the scheduler.
func (rs *RecalcScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info("scheduler disabled, not starting")
		return
	}

	rs.ticker = time.NewTicker(rs.Interval)
	rs.wg.Add(1)

	go rs.run(rs.ticker)

	rs.log.Info("scheduler started", logging.F("interval", rs.Interval.String()))
}

// Stop stops the scheduler and waits for a running rebuild to finish.
func (rs *RecalcScheduler) Stop() {
	rs.mu.Lock()
	ticker := rs.ticker
	rs.ticker = nil
	rs.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.log.Info("scheduler stopped")
	}
}

func (rs *RecalcScheduler) run(ticker *time.Ticker) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			rs.RunNow(context.Background())
		case <-rs.stop:
			return
		}
	}
}

// RunNow rebuilds activity for every entity and records the outcome.
func (rs *RecalcScheduler) RunNow(ctx context.Context) RecalcRun {
	run := RecalcRun{StartedAt: time.Now().UTC(), RowsWritten: map[string]int{}}

	written, err := rs.Service.RecalculateAll(ctx, schedulerUser)
	for id, n := range written {
		run.RowsWritten[string(id)] = n
	}
	run.Entities = len(written)
	run.CompletedAt = time.Now().UTC()

	if err != nil {
		run.Error = err.Error()
		rs.log.WithError(err).Error("scheduled recalculation failed", logging.F(logging.FieldEntities, run.Entities))
	} else {
		rs.log.Info("scheduled recalculation completed",
			logging.F(logging.FieldEntities, run.Entities),
			logging.F(logging.FieldDuration, run.CompletedAt.Sub(run.StartedAt).Milliseconds()))
	}

	rs.mu.Lock()
	rs.lastRun = &run
	rs.mu.Unlock()
	return run
}

// LastRun returns the most recent outcome, or nil before the first run.
func (rs *RecalcScheduler) LastRun() *RecalcRun {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.lastRun == nil {
		return nil
	}
	run := *rs.lastRun
	return &run
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RecalculateAll handles POST /api/admin/recalculate.
func (h *Handler) RecalculateAll(w http.ResponseWriter, r *http.Request) {
	run := h.scheduler().RunNow(r.Context())
	if run.Error != "" {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to recalculate activity",
			Details: run,
		})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// LastRecalculation handles GET /api/admin/recalculate.
func (h *Handler) LastRecalculation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler().LastRun())
}

// scheduler returns the attached scheduler, creating a stopped one on demand
// so manual runs work when the periodic rebuild is disabled.
func (h *Handler) scheduler() *RecalcScheduler {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Scheduler == nil {
		h.Scheduler = NewRecalcScheduler(h.Service, h.log, time.Hour)
	}
	return h.Scheduler
}
