package nonce

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github/chapool/go-relay/internal/relay/store"
	"github/chapool/go-relay/internal/relay/txn"
	"github/chapool/go-relay/internal/util"
)

// ChainReader reports the account nonce the network expects next.
type ChainReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Allocator hands out nonces per signing key. The next nonce is the larger of the
// network's pending nonce and the durable high-water mark plus one, so a nonce is
// never issued twice even when the node lags behind or another replica allocated.
type Allocator struct {
	chain   ChainReader
	store   store.NonceStore
	chainID uint64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewAllocator(chain ChainReader, nonces store.NonceStore, chainID uint64) *Allocator {
	return &Allocator{
		chain:   chain,
		store:   nonces,
		chainID: chainID,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (a *Allocator) keyLock(signingKeyID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.locks[signingKeyID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[signingKeyID] = l
	}

	return l
}

// Allocate returns the next unused nonce for signingKeyID. Nonces are never released.
func (a *Allocator) Allocate(ctx context.Context, signingKeyID string, account common.Address) (uint64, error) {
	log := util.LogFromContext(ctx).With().Str("signing_key_id", signingKeyID).Logger()

	l := a.keyLock(signingKeyID)
	l.Lock()
	defer l.Unlock()

	pending, err := a.chain.PendingNonceAt(ctx, account)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read pending nonce")
		return 0, errors.Wrapf(txn.ErrUpstreamUnavailable, "pending nonce: %v", err)
	}

	next, err := a.store.ReserveNonce(ctx, signingKeyID, a.chainID, pending)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reserve nonce")
	}

	log.Debug().Uint64("nonce", next).Uint64("pending_nonce", pending).Msg("Allocated nonce")

	return next, nil
}
