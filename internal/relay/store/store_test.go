package store_test

import (
	"database/sql"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github/chapool/go-relay/internal/relay/store"
	"github/chapool/go-relay/internal/relay/txn"
	"github/chapool/go-relay/internal/test"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// withStores runs fn against every Store implementation. The postgres run is
// skipped when no test database is available.
func withStores(t *testing.T, fn func(t *testing.T, st store.Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, store.NewMemory())
	})

	t.Run("postgres", func(t *testing.T) {
		test.WithTestDatabase(t, func(db *sql.DB) {
			fn(t, store.NewPostgres(db))
		})
	})
}

func newRecord(nonce uint64, status txn.Status, createdAt time.Time) *txn.Record {
	hash := common.BigToHash(new(big.Int).SetUint64(nonce + 1000))

	return &txn.Record{
		ID:           uuid.NewString(),
		SigningKeyID: test.SigningKeyID,
		From:         common.HexToAddress("0x00000000000000000000000000000000000000a0"),
		ChainID:      test.ChainID,
		Nonce:        nonce,
		To:           test.Recipient,
		Value:        big.NewInt(1_000_000_000_000_000_000),
		Data:         []byte{0xca, 0xfe},
		GasLimit:     21000,
		Speed:        txn.SpeedFast,
		GasPrice:     big.NewInt(20_000_000_000),
		Status:       status,
		CurrentHash:  hash,
		HashHistory: []txn.HashEntry{{
			Hash:        hash,
			Nonce:       nonce,
			GasPrice:    big.NewInt(20_000_000_000),
			Status:      txn.StatusSent,
			BroadcastAt: createdAt,
		}},
		RawTx:     []byte{0x01, 0x02},
		Metadata:  txn.Metadata{IntentFulfilled: true},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestInsertAndGet(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		ctx := t.Context()
		rec := newRecord(0, txn.StatusSent, epoch)

		require.NoError(t, st.Insert(ctx, rec))
		assert.Equal(t, int64(1), rec.Version)

		got, err := st.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, rec.From, got.From)
		assert.Equal(t, rec.To, got.To)
		assert.Equal(t, 0, rec.Value.Cmp(got.Value))
		assert.Equal(t, 0, rec.GasPrice.Cmp(got.GasPrice))
		assert.Equal(t, rec.Data, got.Data)
		assert.Equal(t, rec.RawTx, got.RawTx)
		assert.Equal(t, txn.StatusSent, got.Status)
		assert.Equal(t, rec.CurrentHash, got.CurrentHash)
		require.Len(t, got.HashHistory, 1)
		assert.Equal(t, rec.CurrentHash, got.HashHistory[0].Hash)
		assert.True(t, got.Metadata.IntentFulfilled)
		assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))

		byHash, err := st.GetByHash(ctx, rec.CurrentHash)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, byHash.ID)

		_, err = st.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, txn.ErrNotFound)

		_, err = st.GetByHash(ctx, common.HexToHash("0xdead"))
		assert.ErrorIs(t, err, txn.ErrNotFound)
	})
}

func TestInsertRejectsSecondActiveLineagePerNonce(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		ctx := t.Context()

		require.NoError(t, st.Insert(ctx, newRecord(5, txn.StatusSubmitted, epoch)))

		err := st.Insert(ctx, newRecord(5, txn.StatusSent, epoch))
		assert.ErrorIs(t, err, txn.ErrDuplicate)

		// a failed lineage frees the nonce
		require.NoError(t, st.Insert(ctx, newRecord(6, txn.StatusFailed, epoch)))
		require.NoError(t, st.Insert(ctx, newRecord(6, txn.StatusSent, epoch)))
	})
}

func TestIdempotencyKey(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		ctx := t.Context()

		rec := newRecord(0, txn.StatusSent, epoch)
		rec.IdempotencyKey = "order-42"
		require.NoError(t, st.Insert(ctx, rec))

		got, err := st.GetByIdempotencyKey(ctx, test.SigningKeyID, "order-42")
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)

		_, err = st.GetByIdempotencyKey(ctx, "other-key", "order-42")
		assert.ErrorIs(t, err, txn.ErrNotFound)

		dup := newRecord(1, txn.StatusSent, epoch)
		dup.IdempotencyKey = "order-42"
		assert.ErrorIs(t, st.Insert(ctx, dup), txn.ErrDuplicate)
	})
}

func TestUpdateOptimisticVersion(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		ctx := t.Context()

		rec := newRecord(0, txn.StatusSent, epoch)
		require.NoError(t, st.Insert(ctx, rec))

		stale, err := st.Get(ctx, rec.ID)
		require.NoError(t, err)

		rec.Status = txn.StatusSubmitted
		rec.HashHistory[0].Accepted = true
		require.NoError(t, st.Update(ctx, rec))
		assert.Equal(t, int64(2), rec.Version)

		stale.Status = txn.StatusFailed
		assert.ErrorIs(t, st.Update(ctx, stale), txn.ErrConflict)

		got, err := st.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, txn.StatusSubmitted, got.Status)
		assert.True(t, got.HashHistory[0].Accepted)

		missing := newRecord(1, txn.StatusSent, epoch)
		missing.Version = 1
		assert.ErrorIs(t, st.Update(ctx, missing), txn.ErrNotFound)
	})
}

func TestGetByHashFindsReplacedHashes(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		ctx := t.Context()

		rec := newRecord(0, txn.StatusSubmitted, epoch)
		original := rec.CurrentHash
		require.NoError(t, st.Insert(ctx, rec))

		replacement := common.HexToHash("0xbeef")
		rec.AppendHash(txn.HashEntry{Hash: replacement, Nonce: 0, GasPrice: big.NewInt(22_000_000_000), BroadcastAt: epoch})
		require.NoError(t, st.Update(ctx, rec))

		for _, hash := range []common.Hash{original, replacement} {
			got, err := st.GetByHash(ctx, hash)
			require.NoError(t, err)
			assert.Equal(t, rec.ID, got.ID)
			assert.Equal(t, replacement, got.CurrentHash)
		}
	})
}

func TestListActive(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		ctx := t.Context()

		second := newRecord(1, txn.StatusMined, epoch.Add(time.Minute))
		first := newRecord(0, txn.StatusSent, epoch)
		done := newRecord(2, txn.StatusConfirmed, epoch)
		failed := newRecord(3, txn.StatusFailed, epoch)

		for _, rec := range []*txn.Record{second, first, done, failed} {
			require.NoError(t, st.Insert(ctx, rec))
		}

		active, err := st.ListActive(ctx, store.Cursor{}, 10)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, first.ID, active[0].ID)
		assert.Equal(t, second.ID, active[1].ID)

		limited, err := st.ListActive(ctx, store.Cursor{}, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, first.ID, limited[0].ID)
	})
}

func TestListActivePagesWithCursor(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		ctx := t.Context()

		// records created in the same instant are ordered by ID
		want := make(map[string]bool)
		for n := uint64(0); n < 5; n++ {
			createdAt := epoch
			if n == 4 {
				createdAt = epoch.Add(time.Second)
			}
			rec := newRecord(n, txn.StatusSubmitted, createdAt)
			require.NoError(t, st.Insert(ctx, rec))
			want[rec.ID] = true
		}

		var (
			cursor store.Cursor
			seen   []*txn.Record
		)
		for pages := 0; ; pages++ {
			require.Less(t, pages, 5)

			page, err := st.ListActive(ctx, cursor, 2)
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			assert.LessOrEqual(t, len(page), 2)

			seen = append(seen, page...)
			cursor = store.CursorOf(page[len(page)-1])
		}

		require.Len(t, seen, len(want))
		for i, rec := range seen {
			assert.True(t, want[rec.ID])
			if i > 0 {
				prev := seen[i-1]
				assert.True(t, prev.CreatedAt.Before(rec.CreatedAt) || (prev.CreatedAt.Equal(rec.CreatedAt) && prev.ID < rec.ID))
			}
		}
		assert.True(t, seen[len(seen)-1].CreatedAt.Equal(epoch.Add(time.Second)))
	})
}

func TestPurgeBefore(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		ctx := t.Context()

		old := newRecord(0, txn.StatusConfirmed, epoch)
		oldActive := newRecord(1, txn.StatusSubmitted, epoch)
		recent := newRecord(2, txn.StatusFailed, epoch.Add(48*time.Hour))

		for _, rec := range []*txn.Record{old, oldActive, recent} {
			require.NoError(t, st.Insert(ctx, rec))
		}

		purged, err := st.PurgeBefore(ctx, epoch.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), purged)

		_, err = st.Get(ctx, old.ID)
		assert.ErrorIs(t, err, txn.ErrNotFound)

		_, err = st.Get(ctx, oldActive.ID)
		assert.NoError(t, err)
		_, err = st.Get(ctx, recent.ID)
		assert.NoError(t, err)
	})
}

func TestReserveNonce(t *testing.T) {
	withStores(t, func(t *testing.T, st store.Store) {
		ctx := t.Context()

		next, err := st.ReserveNonce(ctx, test.SigningKeyID, test.ChainID, 7)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), next)

		// the network lags behind, the high-water mark wins
		next, err = st.ReserveNonce(ctx, test.SigningKeyID, test.ChainID, 7)
		require.NoError(t, err)
		assert.Equal(t, uint64(8), next)

		// the network moved ahead
		next, err = st.ReserveNonce(ctx, test.SigningKeyID, test.ChainID, 20)
		require.NoError(t, err)
		assert.Equal(t, uint64(20), next)

		// keys and chains are independent
		next, err = st.ReserveNonce(ctx, "other-key", test.ChainID, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), next)

		next, err = st.ReserveNonce(ctx, test.SigningKeyID, 1, 3)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), next)
	})
}
