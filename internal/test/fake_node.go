package test

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// FakeNode is an in-memory EVM node with a mempool, a canonical chain that can be
// reorganized and scriptable broadcast failures. It implements every node interface
// the relay consumes.
type FakeNode struct {
	mu sync.Mutex

	chainID  *big.Int
	signer   types.Signer
	head     uint64
	forks    map[uint64]int
	nonces   map[common.Address]uint64
	pool     map[common.Hash]*types.Transaction
	mined    map[common.Hash]*types.Receipt
	minedTx  map[common.Hash]*types.Transaction
	sendErrs []error
	sent     []*types.Transaction

	GasPrice   *big.Int
	FeeHistErr error
	Down       bool
	RPC        func(method string, params []json.RawMessage) (json.RawMessage, error)
}

func NewFakeNode(chainID uint64) *FakeNode {
	id := new(big.Int).SetUint64(chainID)

	return &FakeNode{
		chainID:    id,
		signer:     types.LatestSignerForChainID(id),
		head:       100,
		forks:      make(map[uint64]int),
		nonces:     make(map[common.Address]uint64),
		pool:       make(map[common.Hash]*types.Transaction),
		mined:      make(map[common.Hash]*types.Receipt),
		minedTx:    make(map[common.Hash]*types.Transaction),
		GasPrice:   big.NewInt(10_000_000_000),
		FeeHistErr: errors.New("the method eth_feeHistory does not exist/is not available"),
	}
}

var errTransport = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")

// RejectNext makes the next len(errs) broadcasts fail with errs in order.
func (n *FakeNode) RejectNext(errs ...error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.sendErrs = append(n.sendErrs, errs...)
}

func (n *FakeNode) SetDown(down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.Down = down
}

// SetNonce sets the next nonce the network expects for account.
func (n *FakeNode) SetNonce(account common.Address, nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nonces[account] = nonce
}

// Sent returns every transaction the node accepted, in order.
func (n *FakeNode) Sent() []*types.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]*types.Transaction(nil), n.sent...)
}

func (n *FakeNode) InPool(hash common.Hash) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	_, ok := n.pool[hash]
	return ok
}

// Drop evicts hash from the mempool without mining it.
func (n *FakeNode) Drop(hash common.Hash) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.pool, hash)
}

// Mine includes hash, which must have been broadcast, in a new block and returns the
// block number. Pool transactions with the same sender and nonce are discarded.
func (n *FakeNode) Mine(hash common.Hash, reverted bool) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	tx, ok := n.pool[hash]
	if !ok {
		// a superseded transaction may still be mined by a miner that saw it
		for _, sent := range n.sent {
			if sent.Hash() == hash {
				tx, ok = sent, true
			}
		}
	}
	if !ok {
		panic(fmt.Sprintf("fake node: %s was never broadcast", hash.Hex()))
	}

	from, err := types.Sender(n.signer, tx)
	if err != nil {
		panic(err)
	}

	for h, other := range n.pool {
		otherFrom, _ := types.Sender(n.signer, other)
		if otherFrom == from && other.Nonce() == tx.Nonce() {
			delete(n.pool, h)
		}
	}

	n.head++
	status := types.ReceiptStatusSuccessful
	if reverted {
		status = types.ReceiptStatusFailed
	}

	n.mined[hash] = &types.Receipt{
		TxHash:      hash,
		Status:      status,
		BlockNumber: new(big.Int).SetUint64(n.head),
		BlockHash:   n.header(n.head).Hash(),
	}
	n.minedTx[hash] = tx

	if n.nonces[from] <= tx.Nonce() {
		n.nonces[from] = tx.Nonce() + 1
	}

	return n.head
}

// AdvanceBlocks appends count empty blocks.
func (n *FakeNode) AdvanceBlocks(count uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.head += count
}

// Reorg replaces every block from number on with a fork. Transactions mined in
// replaced blocks return to the mempool.
func (n *FakeNode) Reorg(number uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for b := number; b <= n.head; b++ {
		n.forks[b]++
	}

	for hash, receipt := range n.mined {
		if receipt.BlockNumber.Uint64() >= number {
			n.pool[hash] = n.minedTx[hash]
			delete(n.mined, hash)
			delete(n.minedTx, hash)
		}
	}
}

func (n *FakeNode) header(number uint64) *types.Header {
	return &types.Header{
		Number:     new(big.Int).SetUint64(number),
		Difficulty: new(big.Int),
		Extra:      []byte(fmt.Sprintf("fork-%d", n.forks[number])),
	}
}

func (n *FakeNode) transportErr() error {
	if n.Down {
		return errTransport
	}

	return nil
}

func (n *FakeNode) ChainID(_ context.Context) (*big.Int, error) {
	return new(big.Int).Set(n.chainID), nil
}

func (n *FakeNode) BlockNumber(_ context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.transportErr(); err != nil {
		return 0, err
	}

	return n.head, nil
}

func (n *FakeNode) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.transportErr(); err != nil {
		return nil, err
	}

	if number == nil {
		return n.header(n.head), nil
	}
	if number.Uint64() > n.head {
		return nil, ethereum.NotFound
	}

	return n.header(number.Uint64()), nil
}

func (n *FakeNode) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.transportErr(); err != nil {
		return nil, err
	}

	receipt, ok := n.mined[hash]
	if !ok {
		return nil, ethereum.NotFound
	}

	c := *receipt
	return &c, nil
}

func (n *FakeNode) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.transportErr(); err != nil {
		return nil, false, err
	}

	if tx, ok := n.pool[hash]; ok {
		return tx, true, nil
	}
	if tx, ok := n.minedTx[hash]; ok {
		return tx, false, nil
	}

	return nil, false, ethereum.NotFound
}

func (n *FakeNode) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.transportErr(); err != nil {
		return 0, err
	}

	return n.nonces[account], nil
}

// SendTransaction applies the node's acceptance rules: the sender's nonce must not be
// used, and a replacement must pay at least 10% more than the pool transaction.
func (n *FakeNode) SendTransaction(_ context.Context, tx *types.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.transportErr(); err != nil {
		return err
	}

	if len(n.sendErrs) > 0 {
		err := n.sendErrs[0]
		n.sendErrs = n.sendErrs[1:]
		if err != nil {
			return err
		}
	}

	if _, ok := n.pool[tx.Hash()]; ok {
		return errors.New("already known")
	}
	if _, ok := n.mined[tx.Hash()]; ok {
		return errors.New("already known")
	}

	from, err := types.Sender(n.signer, tx)
	if err != nil {
		return errors.Wrap(err, "invalid sender")
	}

	if tx.Nonce() < n.nonces[from] {
		return errors.New("nonce too low")
	}

	for hash, other := range n.pool {
		otherFrom, _ := types.Sender(n.signer, other)
		if otherFrom != from || other.Nonce() != tx.Nonce() {
			continue
		}

		minPrice := new(big.Int).Mul(other.GasPrice(), big.NewInt(110))
		minPrice.Div(minPrice, big.NewInt(100))
		if tx.GasPrice().Cmp(minPrice) < 0 {
			return errors.New("replacement transaction underpriced")
		}

		delete(n.pool, hash)
	}

	n.pool[tx.Hash()] = tx
	n.sent = append(n.sent, tx)

	return nil
}

func (n *FakeNode) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.transportErr(); err != nil {
		return nil, err
	}

	return new(big.Int).Set(n.GasPrice), nil
}

func (n *FakeNode) SetGasPrice(price *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.GasPrice = new(big.Int).Set(price)
}

func (n *FakeNode) FeeHistory(_ context.Context, _ uint64, _ *big.Int, _ []float64) (*ethereum.FeeHistory, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.transportErr(); err != nil {
		return nil, err
	}

	return nil, n.FeeHistErr
}

func (n *FakeNode) CallContext(_ context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.transportErr(); err != nil {
		return nil, err
	}

	if n.RPC == nil {
		return json.RawMessage(`null`), nil
	}

	return n.RPC(method, params)
}
