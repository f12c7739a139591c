package reputation

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/iwanhae/ssh-warden/types"
)

var errMemoryClosed = errors.New("memory table closed")

// MemoryTable is an in-process record table. It does not survive a restart
// and is meant for tests and throwaway runs.
type MemoryTable struct {
	mu         sync.RWMutex
	records    map[string]types.AddressRecord
	nextBanSeq int64
	closed     bool
}

// NewMemoryTable creates a new MemoryTable.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{records: make(map[string]types.AddressRecord)}
}

func (t *MemoryTable) Init(context.Context) error {
	return nil
}

func (t *MemoryTable) Get(_ context.Context, address string) (*types.AddressRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, types.WrapStorage("get", errMemoryClosed)
	}
	stored, ok := t.records[address]
	if !ok {
		return nil, nil
	}
	rec := copyRecord(stored)
	return &rec, nil
}

func (t *MemoryTable) Update(_ context.Context, address string, fn types.UpdateFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return types.WrapStorage("update", errMemoryClosed)
	}

	stored, found := t.records[address]
	rec := types.AddressRecord{Address: address}
	if found {
		rec = copyRecord(stored)
	}
	wasBanned := rec.Banned

	write, err := fn(&rec, found)
	if err != nil || !write {
		return err
	}
	rec.Address = address
	switch {
	case !rec.Banned:
		rec.BanSeq = 0
	case !wasBanned:
		t.nextBanSeq++
		rec.BanSeq = t.nextBanSeq
	}
	t.records[address] = copyRecord(rec)
	return nil
}

func (t *MemoryTable) ListBanned(context.Context) ([]types.AddressRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, types.WrapStorage("list banned", errMemoryClosed)
	}
	return t.bannedLocked(), nil
}

func (t *MemoryTable) Stats(_ context.Context, recentLimit int) (types.Stats, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return types.Stats{}, types.WrapStorage("stats", errMemoryClosed)
	}
	banned := t.bannedLocked()
	st := types.Stats{
		TrackedCount: len(t.records),
		BannedCount:  len(banned),
	}
	if recentLimit >= 0 && len(banned) > recentLimit {
		banned = banned[:recentLimit]
	}
	st.RecentBans = make([]types.BannedEntry, 0, len(banned))
	for _, rec := range banned {
		st.RecentBans = append(st.RecentBans, bannedEntry(rec))
	}
	return st, nil
}

func (t *MemoryTable) bannedLocked() []types.AddressRecord {
	out := make([]types.AddressRecord, 0, len(t.records))
	for _, rec := range t.records {
		if rec.Banned {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].BannedAt, out[j].BannedAt
		if ai != nil && aj != nil && !ai.Equal(*aj) {
			return ai.After(*aj)
		}
		return out[i].BanSeq > out[j].BanSeq
	})
	return out
}

func (t *MemoryTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func copyRecord(rec types.AddressRecord) types.AddressRecord {
	if rec.BannedAt != nil {
		at := *rec.BannedAt
		rec.BannedAt = &at
	}
	return rec
}
