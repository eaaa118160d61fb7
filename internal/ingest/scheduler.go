// Package ingest drives the fetch, normalize and replace cycle that keeps the
// snapshot store in sync with the external sheet.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/galois26/legisync/internal/metrics"
	"github.com/galois26/legisync/internal/model"
	"github.com/galois26/legisync/internal/normalize"
	"github.com/galois26/legisync/internal/source"
	"github.com/galois26/legisync/internal/store"
	"github.com/galois26/legisync/internal/util"
)

// ErrNoRecords means the source answered but no row survived normalization.
// It is handled like malformed source data.
var ErrNoRecords = errors.New("source produced no records")

const defaultFetchTimeout = 15 * time.Second

// Trigger names what started a cycle.
type Trigger string

const (
	TriggerStartup   Trigger = "startup"
	TriggerOnDemand  Trigger = "on_demand"
	TriggerLazy      Trigger = "lazy"
	TriggerScheduled Trigger = "scheduled"
)

type Options struct {
	Source     source.Source
	Normalizer *normalize.Normalizer // nil uses the built-in column labels
	Store      *store.Store          // may be nil for Collect-only use

	Retry        util.RetryPolicy // startup, on-demand and scheduled cycles
	FetchTimeout time.Duration    // per attempt
	Interval     time.Duration    // scheduled policy; <= 0 makes Run return at once
	LazyOnEmpty  bool

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Status describes the most recent finished cycle.
type Status struct {
	CycleID     string        `json:"cycle_id,omitempty"`
	Trigger     Trigger       `json:"trigger,omitempty"`
	Result      string        `json:"result,omitempty"` // ok | error
	Error       string        `json:"error,omitempty"`
	Records     int           `json:"records"`
	FinishedAt  time.Time     `json:"finished_at"`
	Duration    time.Duration `json:"duration_ns"`
	LastSuccess time.Time     `json:"last_success"`
}

type Scheduler struct {
	opts   Options
	log    *slog.Logger
	flight singleflight.Group

	mu     sync.Mutex
	status Status
}

func New(opts Options) (*Scheduler, error) {
	if opts.Source == nil {
		return nil, errors.New("ingest: source is required")
	}
	if opts.Normalizer == nil {
		n, err := normalize.New(nil)
		if err != nil {
			return nil, err
		}
		opts.Normalizer = n
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		opts: opts,
		log:  opts.Logger.With("component", "ingest", "source", opts.Source.Name()),
	}, nil
}

// Startup runs the initial cycle with the retry policy. The error is
// informational: the caller keeps serving whatever the store holds.
func (s *Scheduler) Startup(ctx context.Context) error {
	_, err := s.cycle(ctx, TriggerStartup, s.opts.Retry)
	return err
}

// Reload runs an on-demand cycle and returns the size of the new snapshot.
// Concurrent reloads share one cycle, which outlives any single caller.
func (s *Scheduler) Reload(ctx context.Context) (int, error) {
	ch := s.flight.DoChan(string(TriggerOnDemand), func() (any, error) {
		return s.cycle(context.WithoutCancel(ctx), TriggerOnDemand, s.opts.Retry)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// EnsureLoaded gives an empty store one chance to fill itself before a read.
// It makes a single fetch attempt, shared by every concurrent caller, and
// returns the store size afterwards. Failures only get logged.
func (s *Scheduler) EnsureLoaded(ctx context.Context) int {
	st := s.opts.Store
	if st == nil || !s.opts.LazyOnEmpty || st.Len() > 0 {
		return s.storeLen()
	}
	ch := s.flight.DoChan(string(TriggerLazy), func() (any, error) {
		if n := st.Len(); n > 0 {
			return n, nil
		}
		// detached so one cancelled reader does not fail the others
		return s.cycle(context.WithoutCancel(ctx), TriggerLazy, util.Once)
	})
	select {
	case <-ch:
	case <-ctx.Done():
	}
	return st.Len()
}

// Run repeats the cycle every Interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	if s.opts.Interval <= 0 {
		return
	}
	s.log.Info("scheduled refresh started", "interval", s.opts.Interval.String())
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduled refresh stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
			_, _ = s.cycle(ctx, TriggerScheduled, s.opts.Retry)
		}
	}
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Collect fetches with the retry policy and normalizes, without touching the
// store.
func (s *Scheduler) Collect(ctx context.Context) ([]model.Record, error) {
	return s.collect(ctx, s.log, s.opts.Retry)
}

func (s *Scheduler) collect(ctx context.Context, log *slog.Logger, policy util.RetryPolicy) ([]model.Record, error) {
	var rows []normalize.Row
	err := util.Retry(ctx, policy, func(attempt int) error {
		actx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
		defer cancel()
		r, err := s.opts.Source.Fetch(actx)
		if err != nil {
			s.opts.Metrics.FetchAttempt("error")
			log.Warn("fetch attempt failed", "attempt", attempt, "max_attempts", policy.MaxAttempts, "err", err)
			if errors.Is(err, source.ErrMalformed) {
				return util.Permanent(err)
			}
			return err
		}
		s.opts.Metrics.FetchAttempt("ok")
		rows = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.opts.Source.Name(), err)
	}
	records := s.opts.Normalizer.Normalize(rows)
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %d rows fetched, none with an id", ErrNoRecords, len(rows))
	}
	log.Debug("normalized rows", "rows", len(rows), "records", len(records))
	return records, nil
}

// cycle is one fetch, normalize and replace pass. Any failure leaves the
// store as it was.
func (s *Scheduler) cycle(ctx context.Context, trigger Trigger, policy util.RetryPolicy) (int, error) {
	id := uuid.NewString()
	log := s.log.With("cycle_id", id, "trigger", string(trigger))
	start := time.Now()
	log.Info("ingestion cycle started")

	var (
		n   int
		err error
	)
	if s.opts.Store == nil {
		err = errors.New("ingest: no store configured")
	} else {
		var records []model.Record
		records, err = s.collect(ctx, log, policy)
		if err == nil {
			err = s.opts.Store.Replace(ctx, records, string(trigger))
			n = len(records)
		}
	}

	dur := time.Since(start)
	result := "ok"
	if err != nil {
		result = "error"
		n = 0
		log.Error("ingestion cycle failed, previous snapshot kept", "duration", dur, "err", err)
	} else {
		log.Info("ingestion cycle finished", "records", n, "duration", dur)
	}
	s.opts.Metrics.ObserveCycle(string(trigger), result, dur)
	s.opts.Metrics.SetSnapshotRecords(s.storeLen())
	s.record(Status{
		CycleID:    id,
		Trigger:    trigger,
		Result:     result,
		Records:    n,
		FinishedAt: time.Now().UTC(),
		Duration:   dur,
	}, err)
	return n, err
}

func (s *Scheduler) record(st Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		st.Error = err.Error()
		st.LastSuccess = s.status.LastSuccess
	} else {
		st.LastSuccess = st.FinishedAt
	}
	s.status = st
}

func (s *Scheduler) storeLen() int {
	if s.opts.Store == nil {
		return 0
	}
	return s.opts.Store.Len()
}
