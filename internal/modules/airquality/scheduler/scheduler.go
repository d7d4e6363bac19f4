// Package scheduler drives ingestion cycles: fetch, normalize, then upsert
// the resulting batch as one atomic snapshot update.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"

	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/fetcher"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/normalizer"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/repository"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/types"
)

type State string

const (
	StateIdle               State = "idle"
	StateFetching           State = "fetching"
	StateNormalizing        State = "normalizing"
	StateUpserting          State = "upserting"
	StateCommitted          State = "committed"
	StatePartiallyCommitted State = "partially_committed"
	StateAborted            State = "aborted"
)

type Config struct {
	Interval       time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	CycleTimeout   time.Duration
}

// Observer receives every finished cycle. Implementations must not block
// for long and must not mutate ingestion state.
type Observer interface {
	ObserveCycle(ctx context.Context, report CycleReport, applied []types.Reading)
}

type Scheduler struct {
	fetcher   fetcher.Fetcher
	repo      repository.SnapshotRepository
	cfg       Config
	logger    *slog.Logger
	observers []Observer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running bool
	state   State
	last    *CycleReport

	cron    *gocron.Scheduler
	baseCtx context.Context
}

func New(f fetcher.Fetcher, repo repository.SnapshotRepository, cfg Config, logger *slog.Logger, observers ...Observer) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 2 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Scheduler{
		fetcher:   f,
		repo:      repo,
		cfg:       cfg,
		logger:    logger,
		observers: observers,
		now:       time.Now,
		sleep:     sleepCtx,
		state:     StateIdle,
		baseCtx:   context.Background(),
	}
}

// Start schedules cycles every Interval, the first one immediately.
// Cycles stop being scheduled when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.cron = gocron.NewScheduler(time.UTC)
	if _, err := s.cron.Every(s.cfg.Interval).Do(s.Trigger); err != nil {
		return fmt.Errorf("schedule ingestion: %w", err)
	}
	s.cron.StartAsync()
	s.logger.Info("ingestion scheduled", "interval", s.cfg.Interval.String())
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Trigger runs one cycle unless one is already in flight, in which case
// the trigger is dropped.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	if _, ok := s.RunCycle(ctx); !ok {
		s.logger.Info("ingestion trigger coalesced", "state", s.State())
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastReport returns the most recent finished cycle, if any.
func (s *Scheduler) LastReport() *CycleReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

// RunCycle runs one full cycle and reports false without doing anything
// when another cycle is in flight.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleReport, bool) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return CycleReport{}, false
	}
	s.running = true
	s.mu.Unlock()

	report, applied := s.runCycle(ctx)

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()

	// Observers run under the cycle guard so their output keeps cycle order.
	for _, o := range s.observers {
		o.ObserveCycle(ctx, report, applied)
	}

	s.mu.Lock()
	s.running = false
	s.state = StateIdle
	s.mu.Unlock()
	return report, true
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Scheduler) runCycle(parent context.Context) (CycleReport, []types.Reading) {
	report := CycleReport{ID: uuid.NewString(), StartedAt: s.now().UTC()}
	log := s.logger.With("cycle_id", report.ID)

	ctx, cancel := context.WithTimeout(parent, s.cfg.CycleTimeout)
	defer cancel()

	finish := func(outcome State, err error) CycleReport {
		report.Outcome = outcome
		report.FinishedAt = s.now().UTC()
		if err != nil {
			report.Error = err.Error()
		}
		s.setState(outcome)
		logCycle(log, report)
		return report
	}

	s.setState(StateFetching)
	raws, attempts, err := s.fetchWithRetry(ctx, log)
	report.Attempts = attempts
	if err != nil {
		var ferr *fetcher.FetchError
		if errors.As(err, &ferr) {
			report.FetchErrorKind = ferr.Kind
		}
		return finish(StateAborted, err), nil
	}
	report.Attempted = len(raws)

	s.setState(StateNormalizing)
	readings, failures := normalizer.NormalizeAll(raws, s.now())
	report.Malformed = len(failures)
	for _, f := range failures {
		log.Warn("record dropped", "station_id", f.StationID, "field", f.Field, "reason", f.Reason)
		report.Diagnostics = append(report.Diagnostics, Diagnostic{
			StationID: f.StationID,
			Field:     f.Field,
			Reason:    f.Reason,
			Message:   f.Error(),
		})
	}
	if len(readings) == 0 {
		return finish(StateAborted, errNoValidRecords), nil
	}

	s.setState(StateUpserting)
	current, err := s.repo.CurrentPublishTimes(ctx)
	if err != nil {
		return finish(StateAborted, err), nil
	}
	batch := make([]types.Reading, 0, len(readings))
	for _, rd := range readings {
		if prev, ok := current[rd.StationID]; ok && rd.PublishTime.Before(prev) {
			report.Skipped++
			report.Diagnostics = append(report.Diagnostics, staleDiagnostic(rd.StationID, rd.PublishTime, prev))
			log.Info("stale reading excluded", "station_id", rd.StationID, "publish_time", rd.PublishTime, "stored_publish_time", prev)
			continue
		}
		batch = append(batch, rd)
	}

	if err := ctx.Err(); err != nil {
		report.FetchErrorKind = fetcher.KindNetwork
		return finish(StateAborted, fmt.Errorf("cycle budget exhausted before upsert: %w", err)), nil
	}

	var applied []types.Reading
	if len(batch) > 0 {
		up, err := s.repo.UpsertBatch(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				report.FetchErrorKind = fetcher.KindNetwork
			}
			return finish(StateAborted, err), nil
		}
		report.SnapshotVersion = up.Version
		for i, so := range up.Outcomes {
			switch so.Outcome {
			case repository.OutcomeCreated, repository.OutcomeApplied:
				report.Applied++
				applied = append(applied, batch[i])
			case repository.OutcomeRejectedStale:
				report.Skipped++
				var prev time.Time
				if so.Previous != nil {
					prev = *so.Previous
				}
				report.Diagnostics = append(report.Diagnostics, staleDiagnostic(so.StationID, batch[i].PublishTime, prev))
			}
		}
	}

	if report.Skipped > 0 {
		return finish(StatePartiallyCommitted, nil), applied
	}
	return finish(StateCommitted, nil), applied
}

var errNoValidRecords = errors.New("no valid records in provider payload")

// fetchWithRetry retries transient fetch failures with exponential backoff
// until MaxAttempts or the cycle budget runs out.
func (s *Scheduler) fetchWithRetry(ctx context.Context, log *slog.Logger) ([]types.RawRecord, int, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		raws, err := s.fetcher.FetchAll(ctx)
		if err == nil {
			return raws, attempt, nil
		}
		lastErr = asFetchError(ctx, err)

		var ferr *fetcher.FetchError
		if errors.As(lastErr, &ferr) && !ferr.Retryable() {
			log.Error("fetch failed, not retrying", "attempt", attempt, "kind", ferr.Kind, "error", lastErr)
			return nil, attempt, lastErr
		}
		if ctx.Err() != nil || attempt == s.cfg.MaxAttempts {
			return nil, attempt, lastErr
		}

		delay := s.backoff(attempt)
		log.Warn("fetch failed, retrying", "attempt", attempt, "delay", delay.String(), "error", lastErr)
		if err := s.sleep(ctx, delay); err != nil {
			return nil, attempt, &fetcher.FetchError{Kind: fetcher.KindNetwork, Err: err}
		}
	}
	return nil, s.cfg.MaxAttempts, lastErr
}

// asFetchError folds plain errors and an exhausted cycle budget into the
// network kind.
func asFetchError(ctx context.Context, err error) error {
	var ferr *fetcher.FetchError
	if errors.As(err, &ferr) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &fetcher.FetchError{Kind: fetcher.KindNetwork, Err: ctxErr}
	}
	return &fetcher.FetchError{Kind: fetcher.KindNetwork, Err: err}
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffMax {
			return s.cfg.BackoffMax
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func logCycle(log *slog.Logger, r CycleReport) {
	attrs := []any{
		"outcome", r.Outcome,
		"attempts", r.Attempts,
		"attempted", r.Attempted,
		"applied", r.Applied,
		"skipped", r.Skipped,
		"malformed", r.Malformed,
		"snapshot_version", r.SnapshotVersion,
		"duration_ms", r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
	}
	if r.Outcome == StateAborted {
		log.Error("ingestion cycle aborted", append(attrs, "fetch_error_kind", r.FetchErrorKind, "error", r.Error)...)
		return
	}
	log.Info("ingestion cycle finished", attrs...)
}
