package storage

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/vendor-tracking/internal/geo"
	"github.com/example/vendor-tracking/internal/models"
)

const defaultShards = 64

// Mode says whether Mutate may create a missing vendor record.
type Mode int

const (
	MustExist Mode = iota
	CreateIfMissing
)

// CommitHook runs after a change is committed, while the vendor is still
// locked, so hooks for one vendor observe commits in order. Hooks must not
// block and must not write to the store.
type CommitHook func(prev, next models.VendorState)

// Tx is the mutable view handed to a Mutate callback.
type Tx struct {
	State *models.VendorState
	Now   time.Time
	hooks []CommitHook
}

// AfterCommit registers a hook for this mutation only.
func (tx *Tx) AfterCommit(h CommitHook) { tx.hooks = append(tx.hooks, h) }

type entry struct {
	mu    sync.Mutex
	state atomic.Pointer[models.VendorState]
}

type shard struct {
	mu      sync.RWMutex
	vendors map[string]*entry
}

// Store is the authoritative live state per vendor. Writes for one vendor are
// serialized by that vendor's mutex; different vendors only share a shard map
// lookup. Readers load immutable snapshots and never wait for writers.
type Store struct {
	shards []*shard
	index  geo.Index
	now    func() time.Time
	online atomic.Int64
}

type Option func(*Store)

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func WithShards(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.shards = newShards(n)
		}
	}
}

func New(index geo.Index, opts ...Option) *Store {
	s := &Store{shards: newShards(defaultShards), index: index, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func newShards(n int) []*shard {
	out := make([]*shard, n)
	for i := range out {
		out[i] = &shard{vendors: make(map[string]*entry)}
	}
	return out
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *Store) lookup(id string, create bool) *entry {
	sh := s.shardFor(id)
	sh.mu.RLock()
	e, ok := sh.vendors[id]
	sh.mu.RUnlock()
	if ok || !create {
		return e
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok = sh.vendors[id]; ok {
		return e
	}
	e = &entry{}
	sh.vendors[id] = e
	return e
}

// Mutate is the single write path. fn edits a private copy of the vendor's
// state; on success the GeoIndex is brought in line with the new state and the
// copy is published. If fn or the index update fails nothing is committed.
func (s *Store) Mutate(ctx context.Context, vendorID string, mode Mode, fn func(tx *Tx) error, hooks ...CommitHook) (models.VendorState, error) {
	if vendorID == "" {
		return models.VendorState{}, fmt.Errorf("%w: vendor id is required", models.ErrValidation)
	}
	e := s.lookup(vendorID, mode == CreateIfMissing)
	if e == nil {
		return models.VendorState{}, fmt.Errorf("%w: vendor %s", models.ErrNotFound, vendorID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var prev models.VendorState
	if cur := e.state.Load(); cur != nil {
		prev = *cur
	} else {
		if mode != CreateIfMissing {
			return models.VendorState{}, fmt.Errorf("%w: vendor %s", models.ErrNotFound, vendorID)
		}
		prev = models.VendorState{
			Summary:  models.VendorSummary{VendorID: vendorID},
			Position: models.VendorPosition{VendorID: vendorID},
		}
	}

	next := prev.Clone()
	tx := &Tx{State: &next, Now: s.now(), hooks: hooks}
	if err := fn(tx); err != nil {
		return prev, err
	}
	next.Summary.VendorID = vendorID
	next.Position.VendorID = vendorID
	if next.Position.IsOnline && next.Position.Coordinates == nil {
		return prev, fmt.Errorf("%w: vendor %s cannot be online without coordinates", models.ErrInvalidState, vendorID)
	}
	if err := s.syncIndex(ctx, prev, next); err != nil {
		return prev, err
	}
	next.Version = prev.Version + 1

	committed := next
	e.state.Store(&committed)
	switch {
	case !prev.Discoverable() && next.Discoverable():
		s.online.Add(1)
	case prev.Discoverable() && !next.Discoverable():
		s.online.Add(-1)
	}
	for _, h := range tx.hooks {
		h(prev, committed)
	}
	return committed.Clone(), nil
}

func (s *Store) syncIndex(ctx context.Context, prev, next models.VendorState) error {
	if s.index == nil {
		return nil
	}
	if next.Discoverable() {
		if prev.Discoverable() && *prev.Position.Coordinates == *next.Position.Coordinates &&
			prev.Summary.Category == next.Summary.Category && prev.IsRoaming() == next.IsRoaming() {
			return nil
		}
		err := s.index.Put(ctx, geo.Entry{
			VendorID: next.Summary.VendorID,
			Point:    *next.Position.Coordinates,
			Category: next.Summary.Category,
			Roaming:  next.IsRoaming(),
		})
		if err != nil {
			return fmt.Errorf("index vendor %s: %w", next.Summary.VendorID, err)
		}
		return nil
	}
	if prev.Discoverable() {
		if err := s.index.Remove(ctx, next.Summary.VendorID); err != nil {
			return fmt.Errorf("unindex vendor %s: %w", next.Summary.VendorID, err)
		}
	}
	return nil
}

// UpsertPosition overwrites the vendor's position. LastUpdate is the receipt
// time; client clocks are not trusted.
func (s *Store) UpsertPosition(ctx context.Context, vendorID string, c models.Coord, address string, online bool, hooks ...CommitHook) (models.VendorState, error) {
	if err := c.Validate(); err != nil {
		return models.VendorState{}, err
	}
	return s.Mutate(ctx, vendorID, CreateIfMissing, func(tx *Tx) error {
		coord := c
		tx.State.Position.Coordinates = &coord
		tx.State.Position.Address = address
		tx.State.Position.IsOnline = online
		tx.State.Position.LastUpdate = tx.Now
		return nil
	}, hooks...)
}

// SetOnline toggles discoverability without touching coordinates.
func (s *Store) SetOnline(ctx context.Context, vendorID string, online bool, hooks ...CommitHook) (models.VendorState, error) {
	return s.Mutate(ctx, vendorID, MustExist, func(tx *Tx) error {
		tx.State.Position.IsOnline = online
		return nil
	}, hooks...)
}

// Describe records the vendor's descriptive data. A category change is pushed
// to the index along with the state.
func (s *Store) Describe(ctx context.Context, summary models.VendorSummary) (models.VendorState, error) {
	return s.Mutate(ctx, summary.VendorID, CreateIfMissing, func(tx *Tx) error {
		tx.State.Summary = summary
		return nil
	})
}

var errAlreadyLive = errors.New("vendor already has live state")

// Restore seeds a vendor that has no live state yet, typically from the
// profile store after a restart. It reports false and leaves the store alone
// when the vendor was already written to.
func (s *Store) Restore(ctx context.Context, st models.VendorState) (models.VendorState, bool, error) {
	if st.Position.Coordinates != nil {
		if err := st.Position.Coordinates.Validate(); err != nil {
			st.Position.Coordinates = nil
		}
	}
	if st.Position.Coordinates == nil {
		st.Position.IsOnline = false
	}
	restored, err := s.Mutate(ctx, st.Summary.VendorID, CreateIfMissing, func(tx *Tx) error {
		if tx.State.Version > 0 {
			return errAlreadyLive
		}
		tx.State.Summary = st.Summary
		tx.State.Position = st.Position
		if st.Position.Coordinates != nil {
			c := *st.Position.Coordinates
			tx.State.Position.Coordinates = &c
		}
		tx.State.Schedule = st.Schedule.Clone()
		return nil
	})
	if errors.Is(err, errAlreadyLive) {
		cur, err := s.Get(st.Summary.VendorID)
		return cur, false, err
	}
	if err != nil {
		return models.VendorState{}, false, err
	}
	return restored, true, nil
}

func (s *Store) Get(vendorID string) (models.VendorState, error) {
	e := s.lookup(vendorID, false)
	if e == nil {
		return models.VendorState{}, fmt.Errorf("%w: vendor %s", models.ErrNotFound, vendorID)
	}
	cur := e.state.Load()
	if cur == nil {
		return models.VendorState{}, fmt.Errorf("%w: vendor %s", models.ErrNotFound, vendorID)
	}
	return cur.Clone(), nil
}

func (s *Store) GetPosition(vendorID string) (models.VendorPosition, error) {
	st, err := s.Get(vendorID)
	if err != nil {
		return models.VendorPosition{}, err
	}
	return st.Position, nil
}

// SnapshotOnline copies the positions of every discoverable vendor, optionally
// restricted to one category.
func (s *Store) SnapshotOnline(category string) []models.VendorPosition {
	out := make([]models.VendorPosition, 0, s.online.Load())
	f := geo.Filter{Category: category}
	for _, sh := range s.shards {
		sh.mu.RLock()
		entries := make([]*entry, 0, len(sh.vendors))
		for _, e := range sh.vendors {
			entries = append(entries, e)
		}
		sh.mu.RUnlock()

		for _, e := range entries {
			cur := e.state.Load()
			if cur == nil || !cur.Discoverable() || !f.Match(cur.Summary.Category, true) {
				continue
			}
			pos := cur.Position
			c := *pos.Coordinates
			pos.Coordinates = &c
			out = append(out, pos)
		}
	}
	return out
}

// OnlineCount is the number of discoverable vendors.
func (s *Store) OnlineCount() int { return int(s.online.Load()) }
