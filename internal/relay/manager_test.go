package relay_test

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github/chapool/go-relay/internal/config"
	"github/chapool/go-relay/internal/custody"
	"github/chapool/go-relay/internal/metrics"
	"github/chapool/go-relay/internal/relay"
	"github/chapool/go-relay/internal/relay/broadcast"
	"github/chapool/go-relay/internal/relay/gasprice"
	"github/chapool/go-relay/internal/relay/nonce"
	"github/chapool/go-relay/internal/relay/store"
	"github/chapool/go-relay/internal/relay/txn"
	"github/chapool/go-relay/internal/relay/watcher"
	"github/chapool/go-relay/internal/test"
)

//nolint:dupword
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

const chainID = 1337

var recipient = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func gwei(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(1_000_000_000))
}

type fixture struct {
	node    *test.FakeNode
	store   *store.Memory
	clock   *time2.MockClock
	metrics *metrics.Service
	key     *custody.SigningKey
	manager *relay.Manager
}

func relayConfig() config.Relay {
	return config.Relay{
		StaleAfter:             3 * time.Minute,
		MinPriceDelta:          gwei(1),
		ReplacementBumpPercent: 10,
		MaxGasPrice:            gwei(500),
		NoOpAfterCycles:        5,
		ConfirmationDepth:      3,
		Retention:              24 * time.Hour,
		MaxGasLimit:            10_000_000,
		FillNonceGaps:          true,
		ActiveBatchSize:        100,
	}
}

func newFixture(t *testing.T, mutators ...func(cfg *config.Relay)) *fixture {
	t.Helper()

	return newFixtureWithStore(t, nil, mutators...)
}

// newFixtureWithStore hands the manager wrap(store) instead of the memory store.
func newFixtureWithStore(t *testing.T, wrap func(st store.Store) store.Store, mutators ...func(cfg *config.Relay)) *fixture {
	t.Helper()

	cfg := relayConfig()
	for _, mutate := range mutators {
		mutate(&cfg)
	}

	clock := time2.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	m := metrics.New()
	node := test.NewFakeNode(chainID)
	st := store.NewMemory()

	seeds := custody.NewSeedManager()
	require.NoError(t, seeds.Initialize(testMnemonic, ""))
	signer := custody.NewSigner(seeds, custody.NewMemoryRegistry(), clock)
	key, err := signer.AddKey(t.Context(), "relayer")
	require.NoError(t, err)

	prices, err := gasprice.NewSource(node, gasprice.NewMemoryCache(), config.GasPrice{
		CacheTTL:     15 * time.Second,
		SampleBlocks: 3,
		MinGasPrice:  gwei(1),
		Percentiles:  map[string]float64{"safeLow": 10, "average": 50, "fast": 75, "fastest": 95},
		Multipliers:  map[string]float64{"safeLow": 1, "average": 1, "fast": 1, "fastest": 1},
		FallbackPrices: map[string]*big.Int{
			"safeLow": gwei(5), "average": gwei(10), "fast": gwei(20), "fastest": gwei(40),
		},
	}, clock, m)
	require.NoError(t, err)

	var managed store.Store = st
	if wrap != nil {
		managed = wrap(st)
	}

	manager, err := relay.New(
		cfg,
		chainID,
		managed,
		nonce.NewAllocator(node, st, chainID),
		prices,
		signer,
		broadcast.New(node, config.Chain{ChainID: chainID}, m),
		node,
		clock,
		m,
	)
	require.NoError(t, err)

	return &fixture{node: node, store: st, clock: clock, metrics: m, key: key, manager: manager}
}

func (f *fixture) intent() txn.Intent {
	return txn.Intent{
		To:           recipient,
		Value:        big.NewInt(1),
		GasLimit:     21000,
		Speed:        txn.SpeedFast,
		SigningKeyID: f.key.ID,
	}
}

func (f *fixture) submit(t *testing.T) *txn.Record {
	t.Helper()

	rec, err := f.manager.Submit(t.Context(), f.intent())
	require.NoError(t, err)
	f.settle(t)

	return rec
}

// settle waits for background broadcasts and their follow-ups.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	require.NoError(t, f.manager.Drain(t.Context()))
}

func (f *fixture) query(t *testing.T, id string) *txn.Record {
	t.Helper()

	rec, err := f.manager.Query(t.Context(), id)
	require.NoError(t, err)

	return rec
}

func (f *fixture) observe(t *testing.T, hash common.Hash, obs txn.Observation) {
	t.Helper()
	require.NoError(t, f.manager.OnConfirmationEvent(t.Context(), hash, obs))
	f.settle(t)
}

func TestSubmitMempoolAndReprice(t *testing.T) {
	f := newFixture(t)

	rec, err := f.manager.Submit(t.Context(), f.intent())
	require.NoError(t, err)
	assert.Equal(t, txn.StatusSent, rec.Status)
	assert.Equal(t, uint64(0), rec.Nonce)
	assert.Equal(t, f.key.Address, rec.From)
	assert.Equal(t, gwei(10), rec.GasPrice)
	assert.True(t, rec.Metadata.IntentFulfilled)
	require.Len(t, rec.HashHistory, 1)
	f.settle(t)

	first := rec.CurrentHash
	assert.True(t, f.node.InPool(first))
	assert.Equal(t, txn.StatusSubmitted, f.query(t, rec.ID).Status)

	f.observe(t, first, txn.Observation{Kind: txn.ObservedInMempool})
	assert.Equal(t, txn.StatusInMempool, f.query(t, rec.ID).Status)

	f.node.SetGasPrice(gwei(20))
	f.clock.Advance(4 * time.Minute)
	require.NoError(t, f.manager.Reprice(t.Context(), rec.ID))
	f.settle(t)

	got := f.query(t, rec.ID)
	assert.Equal(t, rec.ID, got.ID)
	assert.NotEqual(t, first, got.CurrentHash)
	require.Len(t, got.HashHistory, 2)
	assert.Equal(t, txn.StatusReplaced, got.HashHistory[0].Status)
	assert.Equal(t, gwei(20), got.GasPrice)
	assert.Equal(t, uint64(0), got.Nonce)
	assert.Equal(t, txn.StatusSubmitted, got.Status)
	assert.True(t, got.HashHistory[0].GasPrice.Cmp(got.HashHistory[1].GasPrice) < 0)
	assert.False(t, f.node.InPool(first))
	assert.True(t, f.node.InPool(got.CurrentHash))
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.Replacements.WithLabelValues("reprice")), 0)
}

func TestRepriceWaitsForStalenessAndPriceMovement(t *testing.T) {
	f := newFixture(t)
	rec := f.submit(t)

	f.node.SetGasPrice(gwei(30))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.manager.Reprice(t.Context(), rec.ID))
	assert.Len(t, f.query(t, rec.ID).HashHistory, 1, "not stale yet")

	f.node.SetGasPrice(gwei(10))
	f.clock.Advance(3 * time.Minute)
	require.NoError(t, f.manager.Reprice(t.Context(), rec.ID))

	got := f.query(t, rec.ID)
	assert.Len(t, got.HashHistory, 1, "market did not move")
	assert.Equal(t, 1, got.StaleCycles)

	// a rise within MinPriceDelta is ignored
	f.node.SetGasPrice(new(big.Int).Add(gwei(10), gwei(1)))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.manager.Reprice(t.Context(), rec.ID))
	assert.Len(t, f.query(t, rec.ID).HashHistory, 1)
}

func TestRepriceClearsReplacementBumpAndCap(t *testing.T) {
	f := newFixture(t, func(cfg *config.Relay) {
		cfg.MaxGasPrice = gwei(15)
		cfg.MinPriceDelta = big.NewInt(0)
	})
	rec := f.submit(t)

	f.node.SetGasPrice(gwei(100))
	f.clock.Advance(4 * time.Minute)
	require.NoError(t, f.manager.Reprice(t.Context(), rec.ID))
	f.settle(t)

	got := f.query(t, rec.ID)
	require.Len(t, got.HashHistory, 2)
	assert.Equal(t, gwei(15), got.GasPrice)

	// at the cap there is nothing left to bump
	f.clock.Advance(4 * time.Minute)
	require.NoError(t, f.manager.Reprice(t.Context(), rec.ID))
	f.settle(t)
	assert.Len(t, f.query(t, rec.ID).HashHistory, 2)
}

func TestGasPriceOverrideIsNotRepriced(t *testing.T) {
	f := newFixture(t)

	intent := f.intent()
	intent.Speed = ""
	intent.GasPrice = gwei(50)

	rec, err := f.manager.Submit(t.Context(), intent)
	require.NoError(t, err)
	f.settle(t)
	assert.Equal(t, gwei(50), rec.GasPrice)

	f.node.SetGasPrice(gwei(200))
	f.clock.Advance(10 * time.Minute)
	require.NoError(t, f.manager.Reprice(t.Context(), rec.ID))
	f.settle(t)

	assert.Len(t, f.query(t, rec.ID).HashHistory, 1)
}

func TestNoOpReplacementAfterStaleCycles(t *testing.T) {
	f := newFixture(t, func(cfg *config.Relay) {
		cfg.NoOpAfterCycles = 2
	})
	rec := f.submit(t)

	f.clock.Advance(4 * time.Minute)
	require.NoError(t, f.manager.Reprice(t.Context(), rec.ID))
	assert.Len(t, f.query(t, rec.ID).HashHistory, 1)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.manager.Reprice(t.Context(), rec.ID))
	f.settle(t)

	got := f.query(t, rec.ID)
	require.Len(t, got.HashHistory, 2)
	assert.True(t, got.HashHistory[1].NoOp)
	assert.True(t, got.Metadata.NoOp)
	assert.False(t, got.Metadata.IntentFulfilled)
	assert.Equal(t, gwei(11), got.GasPrice)
	assert.Equal(t, recipient, got.To, "intent is kept for reference")
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.Replacements.WithLabelValues("noop")), 0)

	sent := f.node.Sent()
	noop := sent[len(sent)-1]
	assert.Equal(t, got.CurrentHash, noop.Hash())
	assert.Equal(t, f.key.Address, *noop.To())
	assert.Equal(t, 0, noop.Value().Sign())
	assert.Equal(t, uint64(21000), noop.Gas())
	assert.Empty(t, noop.Data())
	assert.Equal(t, uint64(0), noop.Nonce())

	block := f.node.Mine(got.CurrentHash, false)
	f.observe(t, got.CurrentHash, txn.Observation{Kind: txn.ObservedMined, BlockNumber: block, BlockHash: common.HexToHash("0xb1")})

	got = f.query(t, rec.ID)
	assert.Equal(t, txn.StatusMined, got.Status)
	assert.False(t, got.Metadata.IntentFulfilled)
}

func TestOriginalMinedAfterNoOpFulfillsIntent(t *testing.T) {
	f := newFixture(t, func(cfg *config.Relay) {
		cfg.NoOpAfterCycles = 1
	})
	rec := f.submit(t)

	f.clock.Advance(4 * time.Minute)
	require.NoError(t, f.manager.Reprice(t.Context(), rec.ID))
	f.settle(t)
	require.True(t, f.query(t, rec.ID).Metadata.NoOp)

	f.observe(t, rec.CurrentHash, txn.Observation{Kind: txn.ObservedMined, BlockNumber: 101, BlockHash: common.HexToHash("0xb1")})

	got := f.query(t, rec.ID)
	assert.Equal(t, txn.StatusMined, got.Status)
	assert.Equal(t, rec.CurrentHash, got.CurrentHash)
	assert.Equal(t, rec.CurrentHash, got.MinedHash)
	assert.Equal(t, gwei(10), got.GasPrice)
	assert.True(t, got.Metadata.IntentFulfilled)
	assert.False(t, got.Metadata.NoOp)
	assert.Equal(t, txn.StatusReplaced, got.HashHistory[1].Status)
}

func TestNonceTooLowResubmitsWithFreshNonce(t *testing.T) {
	f := newFixture(t)
	f.node.RejectNext(errors.New("nonce too low"))

	rec := f.submit(t)

	got := f.query(t, rec.ID)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, uint64(1), got.Nonce)
	require.Len(t, got.HashHistory, 2)
	assert.Equal(t, uint64(0), got.HashHistory[0].Nonce)
	assert.Equal(t, uint64(1), got.HashHistory[1].Nonce)
	assert.Equal(t, txn.StatusSubmitted, got.Status)
	assert.Equal(t, 1, got.Metadata.RecoveryAttempts)
	assert.True(t, f.node.InPool(got.CurrentHash))
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.Replacements.WithLabelValues("nonce_refresh")), 0)
}

func TestUnderpricedBroadcastIsRepriced(t *testing.T) {
	f := newFixture(t)
	f.node.RejectNext(errors.New("transaction underpriced"))

	rec := f.submit(t)

	got := f.query(t, rec.ID)
	require.Len(t, got.HashHistory, 2)
	assert.Equal(t, gwei(11), got.GasPrice)
	assert.Equal(t, txn.StatusSubmitted, got.Status)
	assert.Equal(t, string(txn.RejectionUnderpriced), got.Metadata.RejectionClass)
}

func TestRecoveryIsBounded(t *testing.T) {
	f := newFixture(t, func(cfg *config.Relay) {
		cfg.FillNonceGaps = false
	})
	f.node.RejectNext(
		errors.New("transaction underpriced"),
		errors.New("transaction underpriced"),
		errors.New("transaction underpriced"),
		errors.New("transaction underpriced"),
	)

	rec := f.submit(t)

	got := f.query(t, rec.ID)
	assert.Equal(t, txn.StatusFailed, got.Status)
	assert.Len(t, got.HashHistory, 4)
	assert.Equal(t, 3, got.Metadata.RecoveryAttempts)
	assert.Empty(t, f.node.Sent())
}

func TestInsufficientFundsFailsAndFillsGap(t *testing.T) {
	f := newFixture(t)
	f.node.RejectNext(errors.New("insufficient funds for gas * price + value"))

	rec := f.submit(t)

	got := f.query(t, rec.ID)
	assert.Equal(t, txn.StatusFailed, got.Status)
	assert.Contains(t, got.Metadata.FailureReason, "insufficient funds")
	assert.Equal(t, string(txn.RejectionInsufficientFunds), got.Metadata.RejectionClass)
	assert.Equal(t, rec.CurrentHash, got.CurrentHash)

	require.NotNil(t, got.Metadata.GapFillHash)
	assert.True(t, f.node.InPool(*got.Metadata.GapFillHash))
	filler, ok := got.Entry(*got.Metadata.GapFillHash)
	require.True(t, ok)
	assert.True(t, filler.GapFill)
	assert.True(t, filler.Accepted)
	assert.Equal(t, got.Nonce, filler.Nonce)

	// failed records are not watched
	active, err := f.manager.ActiveRecords(t.Context())
	require.NoError(t, err)
	assert.Empty(t, active)
}

// failingInserts fails the next n inserts.
type failingInserts struct {
	store.Store

	mu sync.Mutex
	n  int
}

func (s *failingInserts) Insert(ctx context.Context, rec *txn.Record) error {
	s.mu.Lock()
	if s.n > 0 {
		s.n--
		s.mu.Unlock()
		return errors.New("db down")
	}
	s.mu.Unlock()

	return s.Store.Insert(ctx, rec)
}

func TestSubmitRetriesInsert(t *testing.T) {
	f := newFixtureWithStore(t, func(st store.Store) store.Store {
		return &failingInserts{Store: st, n: 1}
	})

	rec := f.submit(t)
	assert.Equal(t, uint64(0), rec.Nonce)

	sent := f.node.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, rec.CurrentHash, sent[0].Hash())
}

func TestSubmitFillsNonceWhenRecordCannotBePersisted(t *testing.T) {
	failing := &failingInserts{}
	f := newFixtureWithStore(t, func(st store.Store) store.Store {
		failing.Store = st
		return failing
	})

	failing.mu.Lock()
	failing.n = 3
	failing.mu.Unlock()

	_, err := f.manager.Submit(t.Context(), f.intent())
	require.Error(t, err)
	f.settle(t)

	sent := f.node.Sent()
	require.Len(t, sent, 1)
	filler := sent[0]
	assert.Equal(t, uint64(0), filler.Nonce())
	assert.Equal(t, f.key.Address, *filler.To())
	assert.Zero(t, filler.Value().Sign())
	assert.Empty(t, filler.Data())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Replacements.WithLabelValues("gap_fill")))

	// the next submission does not wait behind an unused nonce
	rec := f.submit(t)
	assert.Equal(t, uint64(1), rec.Nonce)

	f.node.Mine(filler.Hash(), false)
	f.node.Mine(rec.CurrentHash, false)
	pending, err := f.node.PendingNonceAt(t.Context(), f.key.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pending)
}

func TestSubmitWithoutGapFillLeavesNonceUnused(t *testing.T) {
	f := newFixtureWithStore(t, func(st store.Store) store.Store {
		return &failingInserts{Store: st, n: 3}
	}, func(cfg *config.Relay) {
		cfg.FillNonceGaps = false
	})

	_, err := f.manager.Submit(t.Context(), f.intent())
	require.Error(t, err)
	f.settle(t)

	assert.Empty(t, f.node.Sent())
}

func TestActiveRecordsReadsPastBatchSize(t *testing.T) {
	f := newFixture(t, func(cfg *config.Relay) {
		cfg.ActiveBatchSize = 2
	})

	ids := make(map[string]bool)
	for range 5 {
		ids[f.submit(t).ID] = true
	}

	active, err := f.manager.ActiveRecords(t.Context())
	require.NoError(t, err)
	require.Len(t, active, 5)
	for _, rec := range active {
		assert.True(t, ids[rec.ID])
	}

	// every record is polled in a single pass
	w := watcher.New(f.node, f.manager, relayConfig(), f.metrics)
	require.NoError(t, w.Poll(t.Context()))
	f.settle(t)

	for id := range ids {
		assert.Equal(t, txn.StatusInMempool, f.query(t, id).Status)
	}
	assert.Equal(t, 5.0, testutil.ToFloat64(f.metrics.ActiveRecords))
}

func TestFailureWithoutGapFill(t *testing.T) {
	f := newFixture(t, func(cfg *config.Relay) {
		cfg.FillNonceGaps = false
	})
	f.node.RejectNext(errors.New("insufficient funds"))

	rec := f.submit(t)

	got := f.query(t, rec.ID)
	assert.Equal(t, txn.StatusFailed, got.Status)
	assert.Nil(t, got.Metadata.GapFillHash)
	assert.Empty(t, f.node.Sent())
}

func TestRefusedReplacementRestoresLiveHash(t *testing.T) {
	f := newFixture(t)
	rec := f.submit(t)

	f.node.SetGasPrice(gwei(20))
	f.clock.Advance(4 * time.Minute)
	f.node.RejectNext(errors.New("insufficient funds for gas * price + value"))
	require.NoError(t, f.manager.Reprice(t.Context(), rec.ID))
	f.settle(t)

	got := f.query(t, rec.ID)
	assert.Equal(t, txn.StatusSubmitted, got.Status)
	assert.Equal(t, rec.CurrentHash, got.CurrentHash)
	assert.Equal(t, gwei(10), got.GasPrice)
	require.Len(t, got.HashHistory, 2)
	assert.Equal(t, txn.StatusSubmitted, got.HashHistory[0].Status)
	assert.Equal(t, txn.StatusFailed, got.HashHistory[1].Status)
	assert.Equal(t, string(txn.RejectionInsufficientFunds), got.Metadata.RejectionClass)

	// a later drop of the restored hash re-signs it identically
	f.node.Drop(rec.CurrentHash)
	f.observe(t, rec.CurrentHash, txn.Observation{Kind: txn.ObservedDropped})
	assert.True(t, f.node.InPool(rec.CurrentHash))
}

func TestTransportFailureKeepsRecordSentUntilRebroadcast(t *testing.T) {
	f := newFixture(t)
	f.node.RejectNext(errors.New("read tcp 10.0.0.1:8545: i/o timeout"))

	rec := f.submit(t)

	got := f.query(t, rec.ID)
	assert.Equal(t, txn.StatusSent, got.Status)
	assert.False(t, f.node.InPool(rec.CurrentHash))

	f.observe(t, rec.CurrentHash, txn.Observation{Kind: txn.ObservedDropped})

	assert.True(t, f.node.InPool(rec.CurrentHash))
	assert.Equal(t, txn.StatusSubmitted, f.query(t, rec.ID).Status)
}

func TestMinedConfirmedAndReorg(t *testing.T) {
	f := newFixture(t)
	rec := f.submit(t)
	hash := rec.CurrentHash

	firstBlock := common.HexToHash("0xb1")
	mined := txn.Observation{Kind: txn.ObservedMined, BlockNumber: 101, BlockHash: firstBlock}
	f.observe(t, hash, mined)

	got := f.query(t, rec.ID)
	assert.Equal(t, txn.StatusMined, got.Status)
	assert.Equal(t, hash, got.MinedHash)
	assert.Equal(t, uint64(101), got.MinedBlockNumber)
	assert.False(t, got.MinedAt.IsZero())

	// repeated observations are no-ops
	f.observe(t, hash, mined)
	assert.Equal(t, got.Version, f.query(t, rec.ID).Version)

	// shallow confirmations are ignored
	f.observe(t, hash, txn.Observation{Kind: txn.ObservedConfirmed, BlockHash: firstBlock, Depth: 2})
	assert.Equal(t, txn.StatusMined, f.query(t, rec.ID).Status)

	f.observe(t, hash, txn.Observation{Kind: txn.ObservedEvicted, BlockNumber: 101, BlockHash: firstBlock})
	got = f.query(t, rec.ID)
	assert.Equal(t, txn.StatusSubmitted, got.Status)
	assert.Equal(t, 1, got.ReorgCount)
	assert.Equal(t, common.Hash{}, got.MinedHash)
	assert.Zero(t, got.MinedBlockNumber)

	secondBlock := common.HexToHash("0xb2")
	f.observe(t, hash, txn.Observation{Kind: txn.ObservedMined, BlockNumber: 102, BlockHash: secondBlock})

	// confirmation for the orphaned block does not count
	f.observe(t, hash, txn.Observation{Kind: txn.ObservedConfirmed, BlockHash: firstBlock, Depth: 3})
	assert.Equal(t, txn.StatusMined, f.query(t, rec.ID).Status)

	f.observe(t, hash, txn.Observation{Kind: txn.ObservedConfirmed, BlockHash: secondBlock, Depth: 3})
	got = f.query(t, rec.ID)
	assert.Equal(t, txn.StatusConfirmed, got.Status)
	assert.Equal(t, uint64(102), got.MinedBlockNumber)

	// terminal
	f.observe(t, hash, txn.Observation{Kind: txn.ObservedEvicted, BlockHash: secondBlock})
	assert.Equal(t, txn.StatusConfirmed, f.query(t, rec.ID).Status)
}

func TestInMempoolDoesNotRegressStatus(t *testing.T) {
	f := newFixture(t)
	rec := f.submit(t)

	f.observe(t, rec.CurrentHash, txn.Observation{Kind: txn.ObservedMined, BlockNumber: 101, BlockHash: common.HexToHash("0xb1")})
	f.observe(t, rec.CurrentHash, txn.Observation{Kind: txn.ObservedInMempool})

	assert.Equal(t, txn.StatusMined, f.query(t, rec.ID).Status)
}

func TestMinedReplacedHashBecomesCurrent(t *testing.T) {
	f := newFixture(t)
	rec := f.submit(t)

	f.node.SetGasPrice(gwei(20))
	f.clock.Advance(4 * time.Minute)
	require.NoError(t, f.manager.Reprice(t.Context(), rec.ID))
	f.settle(t)

	f.observe(t, rec.CurrentHash, txn.Observation{Kind: txn.ObservedMined, BlockNumber: 101, BlockHash: common.HexToHash("0xb1")})

	got := f.query(t, rec.ID)
	assert.Equal(t, txn.StatusMined, got.Status)
	assert.Equal(t, rec.CurrentHash, got.CurrentHash)
	assert.Equal(t, rec.CurrentHash, got.MinedHash)
	assert.Equal(t, gwei(10), got.GasPrice)
	assert.Equal(t, txn.StatusMined, got.HashHistory[0].Status)
	assert.Equal(t, txn.StatusReplaced, got.HashHistory[1].Status)

	// the record reports the price actually paid, the lineage keeps every bid
	require.Len(t, got.HashHistory, 2)
	assert.Equal(t, gwei(10), got.HashHistory[0].GasPrice)
	assert.Equal(t, gwei(20), got.HashHistory[1].GasPrice)
}

func TestObservationForUnknownHash(t *testing.T) {
	f := newFixture(t)

	err := f.manager.OnConfirmationEvent(t.Context(), common.HexToHash("0xdead"), txn.Observation{Kind: txn.ObservedMined})
	assert.True(t, errors.Is(err, txn.ErrNotFound))
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(intent *txn.Intent)
		want   error
	}{
		{"missing signing key", func(i *txn.Intent) { i.SigningKeyID = "" }, txn.ErrInvalidIntent},
		{"missing recipient", func(i *txn.Intent) { i.To = common.Address{} }, txn.ErrInvalidIntent},
		{"negative value", func(i *txn.Intent) { i.Value = big.NewInt(-1) }, txn.ErrInvalidIntent},
		{"gas limit too low", func(i *txn.Intent) { i.GasLimit = 20999 }, txn.ErrInvalidIntent},
		{"gas limit too high", func(i *txn.Intent) { i.GasLimit = 10_000_001 }, txn.ErrInvalidIntent},
		{"unknown speed", func(i *txn.Intent) { i.Speed = "ludicrous" }, txn.ErrInvalidIntent},
		{"zero gas price", func(i *txn.Intent) { i.Speed = ""; i.GasPrice = big.NewInt(0) }, txn.ErrInvalidIntent},
		{"other chain", func(i *txn.Intent) { i.ChainID = 1 }, txn.ErrInvalidIntent},
		{"unknown key", func(i *txn.Intent) { i.SigningKeyID = "nobody" }, txn.ErrKeyUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := f.intent()
			tt.mutate(&intent)

			_, err := f.manager.Submit(t.Context(), intent)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	assert.Empty(t, f.node.Sent())
}

func TestSubmitDefaultsChainAndValue(t *testing.T) {
	f := newFixture(t)

	intent := f.intent()
	intent.Value = nil

	rec, err := f.manager.Submit(t.Context(), intent)
	require.NoError(t, err)
	f.settle(t)

	assert.Equal(t, uint64(chainID), rec.ChainID)
	assert.Equal(t, 0, rec.Value.Sign())
}

func TestSubmitIsIdempotent(t *testing.T) {
	f := newFixture(t)

	intent := f.intent()
	intent.IdempotencyKey = "order-42"

	first, err := f.manager.Submit(t.Context(), intent)
	require.NoError(t, err)
	f.settle(t)

	second, err := f.manager.Submit(t.Context(), intent)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.node.Sent(), 1)
}

func TestSubmitAllocatesSequentialNonces(t *testing.T) {
	f := newFixture(t)

	first := f.submit(t)
	second := f.submit(t)

	assert.Equal(t, uint64(0), first.Nonce)
	assert.Equal(t, uint64(1), second.Nonce)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestQueryHonorsRetention(t *testing.T) {
	f := newFixture(t)
	rec := f.submit(t)

	_, err := f.manager.Query(t.Context(), "missing")
	assert.True(t, errors.Is(err, txn.ErrNotFound))

	f.clock.Advance(25 * time.Hour)
	_, err = f.manager.Query(t.Context(), rec.ID)
	assert.True(t, errors.Is(err, txn.ErrNotFound))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	rec := f.submit(t)

	cancelled, err := f.manager.Cancel(t.Context(), rec.ID, "operator request")
	require.NoError(t, err)
	assert.Equal(t, txn.StatusFailed, cancelled.Status)
	assert.Equal(t, "cancelled: operator request", cancelled.Metadata.FailureReason)

	_, err = f.manager.Cancel(t.Context(), rec.ID, "again")
	require.NoError(t, err)

	mined := f.submit(t)
	f.observe(t, mined.CurrentHash, txn.Observation{Kind: txn.ObservedMined, BlockNumber: 101, BlockHash: common.HexToHash("0xb1")})
	_, err = f.manager.Cancel(t.Context(), mined.ID, "too late")
	assert.True(t, errors.Is(err, txn.ErrNotCancellable))
}

func TestSign(t *testing.T) {
	f := newFixture(t)

	sig, err := f.manager.Sign(t.Context(), f.key.ID, "0x68656c6c6f")
	require.NoError(t, err)
	require.Len(t, sig.Sig, 65)

	raw := append([]byte(nil), sig.Sig...)
	raw[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash([]byte("hello")), raw)
	require.NoError(t, err)
	assert.Equal(t, f.key.Address, crypto.PubkeyToAddress(*pub))

	unprefixed, err := f.manager.Sign(t.Context(), f.key.ID, "68656c6c6f")
	require.NoError(t, err)
	assert.Equal(t, sig.Sig, unprefixed.Sig)

	_, err = f.manager.Sign(t.Context(), f.key.ID, "0xzz")
	assert.True(t, errors.Is(err, txn.ErrInvalidMessage))

	_, err = f.manager.Sign(t.Context(), f.key.ID, "0x")
	assert.True(t, errors.Is(err, txn.ErrInvalidMessage))

	_, err = f.manager.Sign(t.Context(), "nobody", "0x68656c6c6f")
	assert.True(t, errors.Is(err, txn.ErrKeyUnavailable))
}

func TestCallForwardsReads(t *testing.T) {
	f := newFixture(t)
	f.node.RPC = func(method string, params []json.RawMessage) (json.RawMessage, error) {
		assert.Equal(t, "eth_getBalance", method)
		require.Len(t, params, 2)
		return json.RawMessage(`"0x2a"`), nil
	}

	result, err := f.manager.Call(t.Context(), "eth_getBalance", []json.RawMessage{
		json.RawMessage(`"0x00000000000000000000000000000000000000aa"`),
		json.RawMessage(`"latest"`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `"0x2a"`, string(result))

	for _, method := range []string{
		"eth_subscribe", "eth_newFilter", "eth_getFilterChanges", "eth_sendRawTransaction",
		"eth_sendTransaction", "eth_sign", "eth_signTypedData_v4", "personal_sign", "",
	} {
		_, err := f.manager.Call(t.Context(), method, nil)
		assert.True(t, errors.Is(err, txn.ErrUnsupportedMethod), method)
	}
}

func TestRepriceStaleReplacesEveryStaleRecord(t *testing.T) {
	f := newFixture(t)
	first := f.submit(t)
	second := f.submit(t)

	f.node.SetGasPrice(gwei(20))
	f.clock.Advance(4 * time.Minute)
	require.NoError(t, f.manager.RepriceStale(t.Context()))
	f.settle(t)

	for _, id := range []string{first.ID, second.ID} {
		got := f.query(t, id)
		assert.Len(t, got.HashHistory, 2)
		assert.Equal(t, gwei(20), got.GasPrice)
	}
}

func TestPurgeRemovesExpiredTerminalRecords(t *testing.T) {
	f := newFixture(t)

	done := f.submit(t)
	f.observe(t, done.CurrentHash, txn.Observation{Kind: txn.ObservedMined, BlockNumber: 101, BlockHash: common.HexToHash("0xb1")})
	f.observe(t, done.CurrentHash, txn.Observation{Kind: txn.ObservedConfirmed, BlockHash: common.HexToHash("0xb1"), Depth: 3})
	pending := f.submit(t)

	purger := relay.NewPurger(f.store, 24*time.Hour, f.clock, f.metrics)

	purged, err := purger.Purge(t.Context())
	require.NoError(t, err)
	assert.Zero(t, purged)

	f.clock.Advance(25 * time.Hour)
	purged, err = purger.Purge(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = f.store.Get(t.Context(), done.ID)
	assert.True(t, errors.Is(err, txn.ErrNotFound))
	_, err = f.store.Get(t.Context(), pending.ID)
	require.NoError(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.PurgedRecords), 0)
}

func TestPurgerRejectsInvalidSchedule(t *testing.T) {
	f := newFixture(t)

	purger := relay.NewPurger(f.store, time.Hour, f.clock, f.metrics)
	require.Error(t, purger.Start(t.Context(), "not a schedule"))

	require.NoError(t, purger.Start(t.Context(), "@hourly"))
	purger.Stop(t.Context())
}
