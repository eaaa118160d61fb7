package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/galois26/legisync/internal/config"
	"github.com/galois26/legisync/internal/model"
)

var (
	// ErrPersist wraps a failed disk write; the replacement was not committed.
	ErrPersist = errors.New("persist snapshot")
	// ErrNoSnapshot is returned by Persister.Load when nothing was saved yet.
	ErrNoSnapshot = errors.New("no persisted snapshot")
)

// Snapshot is one complete collection of records plus where it came from.
type Snapshot struct {
	Records   []model.Record
	UpdatedAt time.Time
	Origin    string
}

// Persister is the disk mirror of the store.
type Persister interface {
	Save(ctx context.Context, s Snapshot) error
	Load(ctx context.Context) (Snapshot, error)
	// Check fails when snapshots cannot be written at all.
	Check() error
	Close() error
}

// NewFromConfig builds the configured persister.
func NewFromConfig(c config.Store) (Persister, error) {
	switch c.Backend {
	case "file", "":
		return NewFileStore(c.Path), nil
	case "sqlite":
		return OpenSQLite(c.Path)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", c.Backend)
	}
}

// Store holds the current snapshot. Readers never take a lock; writers are
// serialized and a snapshot only becomes visible after it was persisted.
type Store struct {
	p   Persister
	log *slog.Logger

	mu  sync.Mutex // held for persist+swap
	cur atomic.Pointer[Snapshot]
}

// Open checks that p is writable and returns an empty store backed by it.
func Open(p Persister, logger *slog.Logger) (*Store, error) {
	if err := p.Check(); err != nil {
		return nil, fmt.Errorf("store not writable: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{p: p, log: logger.With("component", "store")}
	s.cur.Store(&Snapshot{Records: []model.Record{}})
	return s, nil
}

// LoadFromDisk installs the persisted snapshot, if any, and returns its size.
// A missing or unreadable snapshot leaves the store empty.
func (s *Store) LoadFromDisk(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.p.Load(ctx)
	switch {
	case errors.Is(err, ErrNoSnapshot):
		s.log.Info("no persisted snapshot, starting empty")
		return 0
	case err != nil:
		s.log.Warn("persisted snapshot unreadable, starting empty", "err", err)
		return 0
	}

	kept := snap.Records[:0:0]
	for _, r := range snap.Records {
		if r.ID != "" {
			kept = append(kept, r)
		}
	}
	if dropped := len(snap.Records) - len(kept); dropped > 0 {
		s.log.Warn("dropped persisted records without id", "count", dropped)
	}
	if kept == nil {
		kept = []model.Record{}
	}
	snap.Records = kept
	s.cur.Store(&snap)
	s.log.Info("loaded persisted snapshot", "records", len(kept), "updated_at", snap.UpdatedAt)
	return len(kept)
}

// Read returns a copy of the current records, never nil.
func (s *Store) Read() []model.Record {
	return slices.Clone(s.cur.Load().Records)
}

// Snapshot returns a copy of the current snapshot.
func (s *Store) Snapshot() Snapshot {
	snap := *s.cur.Load()
	snap.Records = slices.Clone(snap.Records)
	return snap
}

func (s *Store) Len() int { return len(s.cur.Load().Records) }

// Replace persists records and then makes them the current snapshot. On a
// persistence failure the previous snapshot stays current and the returned
// error wraps ErrPersist.
func (s *Store) Replace(ctx context.Context, records []model.Record, origin string) error {
	next := &Snapshot{
		Records:   slices.Clone(records),
		UpdatedAt: time.Now().UTC(),
		Origin:    origin,
	}
	if next.Records == nil {
		next.Records = []model.Record{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.p.Save(ctx, *next); err != nil {
		s.log.Error("persist failed, keeping previous snapshot", "origin", origin, "err", err)
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	s.cur.Store(next)
	s.log.Info("snapshot replaced", "origin", origin, "records", len(next.Records))
	return nil
}

func (s *Store) Close() error { return s.p.Close() }
