package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"

	"numerusx/internal/types"
)

var (
	// ErrNotFound is returned for an unknown entry ID.
	ErrNotFound = errors.New("ledger entry not found")
	// ErrDuplicate is returned when an entry ID or a resolution already exists.
	ErrDuplicate = errors.New("ledger record already exists")
)

// Filter selects a page of entries, newest first.
type Filter struct {
	Pair     string
	Status   types.LedgerStatus
	Page     int
	PageSize int
}

func (f Filter) normalized() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 20
	}
	if f.PageSize > 200 {
		f.PageSize = 200
	}
	return f
}

// Store is append-only persistence for entries and their resolutions.
type Store interface {
	AppendEntry(ctx context.Context, e types.LedgerEntry) error
	AppendResolution(ctx context.Context, r types.Resolution) error
	// Replay returns every entry and resolution in the order they were recorded.
	Replay(ctx context.Context) ([]types.LedgerEntry, []types.Resolution, error)
	ListEntries(ctx context.Context, f Filter) ([]types.LedgerEntry, int64, error)
	GetEntry(ctx context.Context, id string) (types.LedgerEntry, error)
	GetResolution(ctx context.Context, entryID string) (types.Resolution, bool, error)
}

// MemoryStore keeps the ledger in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	entries     []types.LedgerEntry
	index       map[string]int
	resolutions []types.Resolution
	resolved    map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string]int), resolved: make(map[string]int)}
}

func (s *MemoryStore) AppendEntry(_ context.Context, e types.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[e.ID]; ok {
		return ErrDuplicate
	}
	s.index[e.ID] = len(s.entries)
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) AppendResolution(_ context.Context, r types.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[r.EntryID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.resolved[r.EntryID]; ok {
		return ErrDuplicate
	}
	s.resolved[r.EntryID] = len(s.resolutions)
	s.resolutions = append(s.resolutions, r)
	return nil
}

func (s *MemoryStore) Replay(context.Context) ([]types.LedgerEntry, []types.Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.LedgerEntry(nil), s.entries...), append([]types.Resolution(nil), s.resolutions...), nil
}

func (s *MemoryStore) ListEntries(_ context.Context, f Filter) ([]types.LedgerEntry, int64, error) {
	f = f.normalized()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []types.LedgerEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if f.Pair != "" && e.Pair != f.Pair {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	total := int64(len(matched))
	start := (f.Page - 1) * f.PageSize
	if start >= len(matched) {
		return []types.LedgerEntry{}, total, nil
	}
	end := start + f.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) GetEntry(_ context.Context, id string) (types.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return types.LedgerEntry{}, ErrNotFound
	}
	return s.entries[i], nil
}

func (s *MemoryStore) GetResolution(_ context.Context, entryID string) (types.Resolution, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.resolved[entryID]
	if !ok {
		return types.Resolution{}, false, nil
	}
	return s.resolutions[i], true, nil
}
