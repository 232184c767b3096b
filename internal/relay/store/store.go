package store

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github/chapool/go-relay/internal/relay/txn"
)

// Store is the durable table of transaction records and per-key nonce high-water marks.
//
// Records handed out are snapshots: mutating them has no effect until Update is called.
// Update only succeeds when the record's Version still matches the stored version and
// returns txn.ErrConflict otherwise.
type Store interface {
	Insert(ctx context.Context, rec *txn.Record) error
	Get(ctx context.Context, id string) (*txn.Record, error)
	GetByHash(ctx context.Context, hash common.Hash) (*txn.Record, error)
	GetByIdempotencyKey(ctx context.Context, signingKeyID string, key string) (*txn.Record, error)
	Update(ctx context.Context, rec *txn.Record) error
	ListActive(ctx context.Context, after Cursor, limit int) ([]*txn.Record, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)

	NonceStore
}

// Cursor positions ListActive after the record it was taken from. The zero Cursor
// starts at the oldest record.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func CursorOf(rec *txn.Record) Cursor {
	return Cursor{CreatedAt: rec.CreatedAt, ID: rec.ID}
}

func (c Cursor) IsZero() bool {
	return c.ID == ""
}

// before reports whether c sorts before rec in (CreatedAt, ID) order.
func (c Cursor) before(rec *txn.Record) bool {
	if c.IsZero() {
		return true
	}
	if !c.CreatedAt.Equal(rec.CreatedAt) {
		return c.CreatedAt.Before(rec.CreatedAt)
	}

	return c.ID < rec.ID
}

// NonceStore keeps the highest nonce ever handed out per signing key and chain.
type NonceStore interface {
	// ReserveNonce atomically stores and returns max(floor, highWater+1), or floor
	// when nothing was reserved yet.
	ReserveNonce(ctx context.Context, signingKeyID string, chainID uint64, floor uint64) (uint64, error)
}

func isActive(s txn.Status) bool {
	for _, active := range txn.ActiveStatuses {
		if s == active {
			return true
		}
	}

	return false
}
