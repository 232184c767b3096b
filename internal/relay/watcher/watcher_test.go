package watcher_test

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github/chapool/go-relay/internal/config"
	"github/chapool/go-relay/internal/relay/txn"
	"github/chapool/go-relay/internal/relay/watcher"
	"github/chapool/go-relay/internal/test"
)

type event struct {
	hash common.Hash
	obs  txn.Observation
}

type recordingSink struct {
	mu      sync.Mutex
	records []*txn.Record
	events  []event
}

func (s *recordingSink) ActiveRecords(_ context.Context) ([]*txn.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.records, nil
}

func (s *recordingSink) OnConfirmationEvent(_ context.Context, hash common.Hash, obs txn.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event{hash: hash, obs: obs})
	return nil
}

func (s *recordingSink) kinds() []txn.ObservationKind {
	s.mu.Lock()
	defer s.mu.Unlock()

	kinds := make([]txn.ObservationKind, 0, len(s.events))
	for _, e := range s.events {
		kinds = append(kinds, e.obs.Kind)
	}

	return kinds
}

type fixture struct {
	node    *test.FakeNode
	sink    *recordingSink
	watcher *watcher.Watcher
	key     *ecdsa.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	node := test.NewFakeNode(1)
	sink := &recordingSink{}

	return &fixture{
		node:    node,
		sink:    sink,
		watcher: watcher.New(node, sink, config.Relay{ConfirmationDepth: 3}, nil),
		key:     key,
	}
}

func (f *fixture) send(t *testing.T, nonce uint64, gwei int64) *types.Transaction {
	t.Helper()

	to := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: new(big.Int).Mul(big.NewInt(gwei), big.NewInt(1_000_000_000)),
		Gas:      21000,
		To:       &to,
		Value:    big.NewInt(1),
	}), types.LatestSignerForChainID(big.NewInt(1)), f.key)
	require.NoError(t, err)
	require.NoError(t, f.node.SendTransaction(t.Context(), tx))

	return tx
}

func record(status txn.Status, txs ...*types.Transaction) *txn.Record {
	rec := &txn.Record{ID: "rec-1", Status: status}
	for _, tx := range txs {
		rec.AppendHash(txn.HashEntry{Hash: tx.Hash(), Nonce: tx.Nonce(), GasPrice: tx.GasPrice()})
	}

	return rec
}

func TestPollReportsMempoolPresence(t *testing.T) {
	f := newFixture(t)
	tx := f.send(t, 0, 10)
	f.sink.records = []*txn.Record{record(txn.StatusSubmitted, tx)}

	require.NoError(t, f.watcher.Poll(t.Context()))

	require.Len(t, f.sink.events, 1)
	assert.Equal(t, tx.Hash(), f.sink.events[0].hash)
	assert.Equal(t, txn.ObservedInMempool, f.sink.events[0].obs.Kind)
}

func TestPollSkipsMempoolForInMempoolRecords(t *testing.T) {
	f := newFixture(t)
	tx := f.send(t, 0, 10)
	f.sink.records = []*txn.Record{record(txn.StatusInMempool, tx)}

	require.NoError(t, f.watcher.Poll(t.Context()))
	assert.Empty(t, f.sink.events)
}

func TestPollReportsDropped(t *testing.T) {
	f := newFixture(t)
	tx := f.send(t, 0, 10)
	f.node.Drop(tx.Hash())
	f.sink.records = []*txn.Record{record(txn.StatusInMempool, tx)}

	require.NoError(t, f.watcher.Poll(t.Context()))
	assert.Equal(t, []txn.ObservationKind{txn.ObservedDropped}, f.sink.kinds())
}

func TestPollReportsMinedSupersededHash(t *testing.T) {
	f := newFixture(t)
	first := f.send(t, 0, 10)
	second := f.send(t, 0, 12)

	block := f.node.Mine(first.Hash(), false)
	f.sink.records = []*txn.Record{record(txn.StatusSent, first, second)}

	require.NoError(t, f.watcher.Poll(t.Context()))

	require.Len(t, f.sink.events, 1)
	e := f.sink.events[0]
	assert.Equal(t, first.Hash(), e.hash)
	assert.Equal(t, txn.ObservedMined, e.obs.Kind)
	assert.Equal(t, block, e.obs.BlockNumber)
	assert.False(t, e.obs.Reverted)
}

func TestPollReportsRevertedReceipt(t *testing.T) {
	f := newFixture(t)
	tx := f.send(t, 0, 10)
	f.node.Mine(tx.Hash(), true)
	f.sink.records = []*txn.Record{record(txn.StatusSubmitted, tx)}

	require.NoError(t, f.watcher.Poll(t.Context()))

	require.Len(t, f.sink.events, 1)
	assert.True(t, f.sink.events[0].obs.Reverted)
}

func minedRecord(t *testing.T, f *fixture, tx *types.Transaction) *txn.Record {
	t.Helper()

	receipt, err := f.node.TransactionReceipt(t.Context(), tx.Hash())
	require.NoError(t, err)

	rec := record(txn.StatusMined, tx)
	rec.MinedHash = tx.Hash()
	rec.MinedBlockNumber = receipt.BlockNumber.Uint64()
	rec.MinedBlockHash = receipt.BlockHash

	return rec
}

func TestPollConfirmsAtDepth(t *testing.T) {
	f := newFixture(t)
	tx := f.send(t, 0, 10)
	f.node.Mine(tx.Hash(), false)
	f.sink.records = []*txn.Record{minedRecord(t, f, tx)}

	// depth 1
	require.NoError(t, f.watcher.Poll(t.Context()))
	assert.Empty(t, f.sink.events)

	f.node.AdvanceBlocks(2)
	require.NoError(t, f.watcher.Poll(t.Context()))

	require.Len(t, f.sink.events, 1)
	assert.Equal(t, txn.ObservedConfirmed, f.sink.events[0].obs.Kind)
	assert.Equal(t, uint64(3), f.sink.events[0].obs.Depth)
}

func TestPollDetectsReorg(t *testing.T) {
	f := newFixture(t)
	tx := f.send(t, 0, 10)
	block := f.node.Mine(tx.Hash(), false)
	f.sink.records = []*txn.Record{minedRecord(t, f, tx)}

	f.node.Reorg(block)

	require.NoError(t, f.watcher.Poll(t.Context()))

	// the transaction went back to the mempool
	assert.Equal(t, []txn.ObservationKind{txn.ObservedEvicted, txn.ObservedInMempool}, f.sink.kinds())
}

func TestPollDetectsReorgIntoOtherBlock(t *testing.T) {
	f := newFixture(t)
	tx := f.send(t, 0, 10)
	block := f.node.Mine(tx.Hash(), false)
	rec := minedRecord(t, f, tx)
	f.sink.records = []*txn.Record{rec}

	f.node.Reorg(block)
	remined := f.node.Mine(tx.Hash(), false)

	require.NoError(t, f.watcher.Poll(t.Context()))

	require.Len(t, f.sink.events, 2)
	assert.Equal(t, txn.ObservedEvicted, f.sink.events[0].obs.Kind)
	assert.Equal(t, txn.ObservedMined, f.sink.events[1].obs.Kind)
	assert.Equal(t, remined, f.sink.events[1].obs.BlockNumber)
}

func TestPollFailsWhenNodeIsDown(t *testing.T) {
	f := newFixture(t)
	f.node.SetDown(true)

	require.Error(t, f.watcher.Poll(t.Context()))
	assert.Empty(t, f.sink.events)
}

func TestRunWithoutPollInterval(t *testing.T) {
	w := watcher.New(test.NewFakeNode(1), &recordingSink{}, config.Relay{}, nil)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	assert.NotPanics(t, func() { w.Run(ctx) })
}
