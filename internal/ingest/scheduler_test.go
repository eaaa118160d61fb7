package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galois26/legisync/internal/config"
	"github.com/galois26/legisync/internal/metrics"
	"github.com/galois26/legisync/internal/model"
	"github.com/galois26/legisync/internal/normalize"
	"github.com/galois26/legisync/internal/source"
	"github.com/galois26/legisync/internal/store"
	"github.com/galois26/legisync/internal/util"
)

// fakeSource fails with errs[i] on call i, then returns rows.
type fakeSource struct {
	rows  []normalize.Row
	errs  []error
	delay time.Duration
	block bool
	calls atomic.Int32
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(ctx context.Context) ([]normalize.Row, error) {
	i := int(f.calls.Add(1)) - 1
	if f.block {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", source.ErrUnreachable, ctx.Err())
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.rows, nil
}

func sheetRows(n int) []normalize.Row {
	rows := make([]normalize.Row, n)
	for i := range rows {
		rows[i] = normalize.Row{
			"ID":               fmt.Sprintf("%d", i+1),
			"Cámara de origen": "Senado",
			"Autor":            "Gómez",
			"Partido Político": "PRO",
			"Provincia":        "Mendoza",
		}
	}
	return rows
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.NewFileStore(filepath.Join(t.TempDir(), "snap.json")), quietLogger())
	require.NoError(t, err)
	return st
}

func newScheduler(t *testing.T, src source.Source, st *store.Store, mut func(*Options)) *Scheduler {
	t.Helper()
	opts := Options{
		Source:       src,
		Store:        st,
		Retry:        util.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond},
		FetchTimeout: time.Second,
		LazyOnEmpty:  true,
		Metrics:      metrics.New(prometheus.NewRegistry()),
		Logger:       quietLogger(),
	}
	if mut != nil {
		mut(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func TestStartupPopulatesStore(t *testing.T) {
	st := newStore(t)
	s := newScheduler(t, &fakeSource{rows: sheetRows(4)}, st, nil)

	require.NoError(t, s.Startup(context.Background()))
	recs := st.Read()
	require.Len(t, recs, 4)
	assert.Equal(t, "1", recs[0].ID)
	assert.Equal(t, model.ImpactLow, recs[0].Impact)
	assert.Equal(t, string(TriggerStartup), st.Snapshot().Origin)

	status := s.Status()
	assert.Equal(t, "ok", status.Result)
	assert.Equal(t, 4, status.Records)
	assert.NotEmpty(t, status.CycleID)
	assert.False(t, status.LastSuccess.IsZero())
}

func TestReloadRetriesThenSucceeds(t *testing.T) {
	src := &fakeSource{
		rows: sheetRows(2),
		errs: []error{source.ErrUnreachable, source.ErrUnreachable},
	}
	s := newScheduler(t, src, newStore(t), nil)

	n, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestFailedCycleKeepsPreviousSnapshot(t *testing.T) {
	st := newStore(t)
	prev := []model.Record{{ID: "old", Impact: model.ImpactHigh}}
	require.NoError(t, st.Replace(context.Background(), prev, "test"))

	unreachable := fmt.Errorf("%w: dial tcp: refused", source.ErrUnreachable)
	src := &fakeSource{errs: []error{unreachable, unreachable, unreachable}}
	s := newScheduler(t, src, st, nil)

	n, err := s.Reload(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrUnreachable)
	assert.Zero(t, n)
	assert.Equal(t, int32(3), src.calls.Load())
	assert.Equal(t, prev, st.Read())

	status := s.Status()
	assert.Equal(t, "error", status.Result)
	assert.Contains(t, status.Error, "unreachable")
}

func TestMalformedIsNotRetried(t *testing.T) {
	src := &fakeSource{errs: []error{fmt.Errorf("%w: bad header", source.ErrMalformed)}}
	s := newScheduler(t, src, newStore(t), nil)

	_, err := s.Reload(context.Background())
	assert.ErrorIs(t, err, source.ErrMalformed)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestNoRecordsKeepsPreviousSnapshot(t *testing.T) {
	st := newStore(t)
	prev := []model.Record{{ID: "old"}}
	require.NoError(t, st.Replace(context.Background(), prev, "test"))

	src := &fakeSource{rows: []normalize.Row{{"ID": ""}, {"Autor": "x"}}}
	s := newScheduler(t, src, st, nil)

	_, err := s.Reload(context.Background())
	assert.ErrorIs(t, err, ErrNoRecords)
	assert.Equal(t, prev, st.Read())
}

func TestFetchTimeoutBoundsEachAttempt(t *testing.T) {
	src := &fakeSource{block: true}
	s := newScheduler(t, src, newStore(t), func(o *Options) {
		o.FetchTimeout = 20 * time.Millisecond
		o.Retry = util.RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}
	})

	start := time.Now()
	_, err := s.Reload(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestEnsureLoadedReachableSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, "ID,Autor,Partido Político,Provincia,Impacto\n"+
			"10,Pérez,Poder Ejecutivo,Salta,\n"+
			"11,Gómez,UCR,Jujuy,medio\n")
	}))
	t.Cleanup(srv.Close)

	st := newStore(t)
	s := newScheduler(t, source.NewCSVSource(config.Source{URL: srv.URL}), st, nil)

	assert.Equal(t, 2, s.EnsureLoaded(context.Background()))
	recs := st.Read()
	require.Len(t, recs, 2)
	assert.Equal(t, model.NationalProvince, recs[0].Province)
	assert.Equal(t, model.ImpactLow, recs[0].Impact)
	assert.Equal(t, model.ImpactMedium, recs[1].Impact)
}

func TestEnsureLoadedUnreachableSource(t *testing.T) {
	src := &fakeSource{errs: []error{source.ErrUnreachable, source.ErrUnreachable, source.ErrUnreachable}}
	st := newStore(t)
	s := newScheduler(t, src, st, nil)

	done := make(chan int, 1)
	go func() { done <- s.EnsureLoaded(context.Background()) }()
	select {
	case n := <-done:
		assert.Zero(t, n)
	case <-time.After(2 * time.Second):
		t.Fatal("EnsureLoaded hung on an unreachable source")
	}
	assert.Empty(t, st.Read())
	assert.Equal(t, int32(1), src.calls.Load(), "lazy path makes a single attempt")
}

func TestEnsureLoadedSharesOneCycle(t *testing.T) {
	src := &fakeSource{rows: sheetRows(3), delay: 50 * time.Millisecond}
	s := newScheduler(t, src, newStore(t), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, 3, s.EnsureLoaded(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestReloadOutlivesCancelledCaller(t *testing.T) {
	src := &fakeSource{rows: sheetRows(3), delay: 100 * time.Millisecond}
	st := newStore(t)
	s := newScheduler(t, src, st, nil)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := s.Reload(first)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		n   int
		err error
	}
	second := make(chan result, 1)
	go func() {
		n, err := s.Reload(context.Background())
		second <- result{n, err}
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, 3, res.n)
	assert.Len(t, st.Read(), 3)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestEnsureLoadedSkipsWhenNotNeeded(t *testing.T) {
	src := &fakeSource{rows: sheetRows(3)}

	st := newStore(t)
	require.NoError(t, st.Replace(context.Background(), []model.Record{{ID: "x"}}, "test"))
	assert.Equal(t, 1, newScheduler(t, src, st, nil).EnsureLoaded(context.Background()))

	disabled := newScheduler(t, src, newStore(t), func(o *Options) { o.LazyOnEmpty = false })
	assert.Equal(t, 0, disabled.EnsureLoaded(context.Background()))

	assert.Zero(t, src.calls.Load())
}

func TestRunScheduledCycles(t *testing.T) {
	src := &fakeSource{rows: sheetRows(1)}
	st := newStore(t)
	s := newScheduler(t, src, st, func(o *Options) { o.Interval = 10 * time.Millisecond })

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(stopped)
	}()

	assert.Eventually(t, func() bool { return src.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.Equal(t, 1, st.Len())
	assert.Equal(t, TriggerScheduled, s.Status().Trigger)
}

func TestRunWithoutIntervalReturns(t *testing.T) {
	s := newScheduler(t, &fakeSource{}, newStore(t), nil)
	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run blocked with no interval")
	}
}

func TestCollectWithoutStore(t *testing.T) {
	s := newScheduler(t, &fakeSource{rows: sheetRows(2)}, nil, nil)
	recs, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	_, err = s.Reload(context.Background())
	assert.Error(t, err)
}

func TestNewRequiresSource(t *testing.T) {
	_, err := New(Options{})
	assert.True(t, err != nil && !errors.Is(err, ErrNoRecords))
}
