package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github/chapool/go-relay/internal/relay/txn"
)

type nonceKey struct {
	signingKeyID string
	chainID      uint64
}

// Memory is a process-local Store used in tests and single-instance development setups.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*txn.Record
	nonces  map[nonceKey]uint64
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*txn.Record),
		nonces:  make(map[nonceKey]uint64),
	}
}

func (m *Memory) Insert(_ context.Context, rec *txn.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ID]; ok {
		return txn.ErrDuplicate
	}

	for _, existing := range m.records {
		if rec.IdempotencyKey != "" && existing.SigningKeyID == rec.SigningKeyID && existing.IdempotencyKey == rec.IdempotencyKey {
			return txn.ErrDuplicate
		}
		if isActive(rec.Status) && isActive(existing.Status) &&
			existing.SigningKeyID == rec.SigningKeyID && existing.ChainID == rec.ChainID && existing.Nonce == rec.Nonce {
			return txn.ErrDuplicate
		}
	}

	stored := rec.Clone()
	stored.Version = 1
	rec.Version = 1
	m.records[rec.ID] = stored

	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*txn.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, txn.ErrNotFound
	}

	return rec.Clone(), nil
}

func (m *Memory) GetByHash(_ context.Context, hash common.Hash) (*txn.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records {
		if _, ok := rec.Entry(hash); ok {
			return rec.Clone(), nil
		}
	}

	return nil, txn.ErrNotFound
}

func (m *Memory) GetByIdempotencyKey(_ context.Context, signingKeyID string, key string) (*txn.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records {
		if rec.SigningKeyID == signingKeyID && rec.IdempotencyKey == key {
			return rec.Clone(), nil
		}
	}

	return nil, txn.ErrNotFound
}

func (m *Memory) Update(_ context.Context, rec *txn.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[rec.ID]
	if !ok {
		return txn.ErrNotFound
	}

	if stored.Version != rec.Version {
		return txn.ErrConflict
	}

	if isActive(rec.Status) {
		for id, other := range m.records {
			if id != rec.ID && isActive(other.Status) &&
				other.SigningKeyID == rec.SigningKeyID && other.ChainID == rec.ChainID && other.Nonce == rec.Nonce {
				return txn.ErrDuplicate
			}
		}
	}

	rec.Version++
	m.records[rec.ID] = rec.Clone()

	return nil
}

func (m *Memory) ListActive(_ context.Context, after Cursor, limit int) ([]*txn.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := make([]*txn.Record, 0)
	for _, rec := range m.records {
		if isActive(rec.Status) && after.before(rec) {
			active = append(active, rec.Clone())
		}
	}

	sort.Slice(active, func(i, j int) bool {
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].ID < active[j].ID
	})

	if limit > 0 && len(active) > limit {
		active = active[:limit]
	}

	return active, nil
}

func (m *Memory) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for id, rec := range m.records {
		if rec.CreatedAt.Before(cutoff) && rec.Status.Terminal() {
			delete(m.records, id)
			purged++
		}
	}

	return purged, nil
}

func (m *Memory) ReserveNonce(_ context.Context, signingKeyID string, chainID uint64, floor uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := nonceKey{signingKeyID: signingKeyID, chainID: chainID}

	next := floor
	if highWater, ok := m.nonces[key]; ok && highWater+1 > next {
		next = highWater + 1
	}

	m.nonces[key] = next

	return next, nil
}
