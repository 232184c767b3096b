package relay

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"sync"

	"github.com/dropbox/godropbox/time2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/kat-co/vala"
	"github.com/pkg/errors"
	"github/chapool/go-relay/internal/config"
	"github/chapool/go-relay/internal/custody"
	"github/chapool/go-relay/internal/metrics"
	"github/chapool/go-relay/internal/relay/store"
	"github/chapool/go-relay/internal/relay/txn"
	"github/chapool/go-relay/internal/util"
)

const (
	intrinsicGas = 21000

	// maxRecoveryAttempts bounds automatic re-broadcasts after a node rejection.
	maxRecoveryAttempts = 3

	insertAttempts = 3
)

type NonceAllocator interface {
	Allocate(ctx context.Context, signingKeyID string, account common.Address) (uint64, error)
}

type PriceSource interface {
	PriceFor(ctx context.Context, speed txn.Speed, chainID uint64) (*big.Int, error)
}

type Custodian interface {
	Resolve(ctx context.Context, keyID string) (*custody.SigningKey, error)
	SignTx(ctx context.Context, keyID string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	SignMessage(ctx context.Context, keyID string, message []byte) (*txn.Signature, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, raw []byte) error
}

// RPC forwards read-only JSON-RPC calls to the node.
type RPC interface {
	CallContext(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error)
}

// Manager owns the lifecycle of every relayed transaction: it accepts intents,
// applies broadcast verdicts and network observations, and replaces stuck
// transactions. All record mutations are serialized per record ID.
type Manager struct {
	cfg         config.Relay
	chainID     uint64
	store       store.Store
	nonces      NonceAllocator
	prices      PriceSource
	keys        Custodian
	broadcaster Broadcaster
	rpc         RPC
	clock       time2.Clock
	metrics     *metrics.Service

	locks     *keyedMutex
	repricing *keyedMutex
	inflight  sync.WaitGroup
}

func New(
	cfg config.Relay,
	chainID uint64,
	st store.Store,
	nonces NonceAllocator,
	prices PriceSource,
	keys Custodian,
	broadcaster Broadcaster,
	rpc RPC,
	clock time2.Clock,
	m *metrics.Service,
) (*Manager, error) {
	if err := vala.BeginValidation().Validate(
		vala.IsNotNil(st, "store"),
		vala.IsNotNil(nonces, "nonces"),
		vala.IsNotNil(prices, "prices"),
		vala.IsNotNil(keys, "keys"),
		vala.IsNotNil(broadcaster, "broadcaster"),
		vala.IsNotNil(rpc, "rpc"),
		vala.IsNotNil(clock, "clock"),
		vala.IsNotNil(m, "metrics"),
	).Check(); err != nil {
		return nil, err
	}

	if chainID == 0 {
		return nil, errors.New("chain ID is required")
	}

	if cfg.ActiveBatchSize <= 0 {
		cfg.ActiveBatchSize = 500
	}

	return &Manager{
		cfg:         cfg,
		chainID:     chainID,
		store:       st,
		nonces:      nonces,
		prices:      prices,
		keys:        keys,
		broadcaster: broadcaster,
		rpc:         rpc,
		clock:       clock,
		metrics:     m,
		locks:       newKeyedMutex(),
		repricing:   newKeyedMutex(),
	}, nil
}

// Submit validates and signs intent, persists it as a record in status sent and
// broadcasts it in the background. Resubmitting an intent with a known idempotency
// key returns the existing record. When the record cannot be signed or persisted
// after its nonce was allocated, the nonce is filled with a no-op.
func (m *Manager) Submit(ctx context.Context, intent txn.Intent) (*txn.Record, error) {
	if err := m.validate(&intent); err != nil {
		m.metrics.Submissions.WithLabelValues("invalid").Inc()
		return nil, err
	}

	key, err := m.keys.Resolve(ctx, intent.SigningKeyID)
	if err != nil {
		m.metrics.Submissions.WithLabelValues("key_unavailable").Inc()
		return nil, err
	}

	if intent.IdempotencyKey != "" {
		existing, err := m.store.GetByIdempotencyKey(ctx, intent.SigningKeyID, intent.IdempotencyKey)
		switch {
		case err == nil:
			m.metrics.Submissions.WithLabelValues("duplicate").Inc()
			return existing, nil
		case !errors.Is(err, txn.ErrNotFound):
			m.metrics.Submissions.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	price := intent.GasPrice
	if price == nil {
		price, err = m.prices.PriceFor(ctx, intent.Speed, intent.ChainID)
		if err != nil {
			m.metrics.Submissions.WithLabelValues("error").Inc()
			return nil, err
		}
		price = m.capped(price)
	}

	nonce, err := m.nonces.Allocate(ctx, intent.SigningKeyID, key.Address)
	if err != nil {
		m.metrics.Submissions.WithLabelValues("error").Inc()
		return nil, err
	}

	// the nonce is spent, the rest of the submission must not be abandoned midway
	ctx = context.WithoutCancel(ctx)
	log := util.LogFromContext(ctx).With().Str("signing_key_id", intent.SigningKeyID).Uint64("nonce", nonce).Logger()

	now := m.clock.Now()
	rec := &txn.Record{
		ID:             uuid.NewString(),
		SigningKeyID:   intent.SigningKeyID,
		From:           key.Address,
		ChainID:        intent.ChainID,
		To:             intent.To,
		Value:          intent.Value,
		Data:           intent.Data,
		GasLimit:       intent.GasLimit,
		Speed:          intent.Speed,
		Status:         txn.StatusSent,
		IdempotencyKey: intent.IdempotencyKey,
		Metadata:       txn.Metadata{IntentFulfilled: true},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	signed, raw, err := m.sign(ctx, rec, nonce, price, false)
	if err != nil {
		log.Error().Err(err).Msg("Failed to sign transaction")
		m.metrics.Submissions.WithLabelValues("error").Inc()
		m.releaseNonce(ctx, rec, nonce, price)
		return nil, err
	}

	rec.AppendHash(txn.HashEntry{Hash: signed.Hash(), Nonce: nonce, GasPrice: price, BroadcastAt: now})
	rec.RawTx = raw

	if err := m.insert(ctx, rec); err != nil {
		m.releaseNonce(ctx, rec, nonce, price)

		if errors.Is(err, txn.ErrDuplicate) && intent.IdempotencyKey != "" {
			if existing, gerr := m.store.GetByIdempotencyKey(ctx, intent.SigningKeyID, intent.IdempotencyKey); gerr == nil {
				log.Warn().Msg("Concurrent submission with the same idempotency key")
				m.metrics.Submissions.WithLabelValues("duplicate").Inc()
				return existing, nil
			}
		}

		log.Error().Err(err).Msg("Failed to persist transaction record")
		m.metrics.Submissions.WithLabelValues("error").Inc()
		return nil, err
	}

	m.metrics.Submissions.WithLabelValues("accepted").Inc()
	m.metrics.Transitions.WithLabelValues(string(txn.StatusPending), string(txn.StatusSent)).Inc()
	log.Info().Str("transaction_id", rec.ID).Str("hash", rec.CurrentHash.Hex()).Msg("Transaction submitted")

	m.dispatch(ctx, rec.ID, rec.CurrentHash, raw)

	return rec.Clone(), nil
}

func (m *Manager) validate(intent *txn.Intent) error {
	if intent.SigningKeyID == "" {
		return txn.Invalid("signing key ID is required")
	}
	if intent.To == (common.Address{}) {
		return txn.Invalid("recipient address is required")
	}

	if intent.Value == nil {
		intent.Value = new(big.Int)
	}
	if intent.Value.Sign() < 0 {
		return txn.Invalid("value must not be negative")
	}

	if intent.GasLimit < intrinsicGas {
		return txn.Invalid("gas limit must be at least %d", intrinsicGas)
	}
	if m.cfg.MaxGasLimit > 0 && intent.GasLimit > m.cfg.MaxGasLimit {
		return txn.Invalid("gas limit exceeds %d", m.cfg.MaxGasLimit)
	}

	switch {
	case intent.GasPrice != nil:
		if intent.GasPrice.Sign() <= 0 {
			return txn.Invalid("gas price must be positive")
		}
		if intent.Speed != "" && !intent.Speed.Valid() {
			return txn.Invalid("unknown speed %q", intent.Speed)
		}
	case !intent.Speed.Valid():
		return txn.Invalid("unknown speed %q", intent.Speed)
	}

	if intent.ChainID == 0 {
		intent.ChainID = m.chainID
	}
	if intent.ChainID != m.chainID {
		return txn.Invalid("chain %d is not served, expected %d", intent.ChainID, m.chainID)
	}

	return nil
}

// Query returns the current snapshot of record id. Records past retention are
// reported as not found even before they are purged.
func (m *Manager) Query(ctx context.Context, id string) (*txn.Record, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if m.cfg.Retention > 0 && rec.CreatedAt.Before(m.clock.Now().Add(-m.cfg.Retention)) {
		return nil, txn.ErrNotFound
	}

	return rec, nil
}

// Sign produces an EIP-191 signature of the hex encoded message.
func (m *Manager) Sign(ctx context.Context, signingKeyID string, messageHex string) (*txn.Signature, error) {
	if !strings.HasPrefix(messageHex, "0x") && !strings.HasPrefix(messageHex, "0X") {
		messageHex = "0x" + messageHex
	}

	message, err := hexutil.Decode(messageHex)
	if err != nil {
		return nil, errors.Wrap(txn.ErrInvalidMessage, err.Error())
	}
	if len(message) == 0 {
		return nil, errors.Wrap(txn.ErrInvalidMessage, "message is empty")
	}

	return m.keys.SignMessage(ctx, signingKeyID, message)
}

var unsupportedMethods = map[string]bool{
	"eth_subscribe":                   true,
	"eth_unsubscribe":                 true,
	"eth_newFilter":                   true,
	"eth_newBlockFilter":              true,
	"eth_newPendingTransactionFilter": true,
	"eth_getFilterChanges":            true,
	"eth_getFilterLogs":               true,
	"eth_uninstallFilter":             true,
	"eth_sendRawTransaction":          true,
	"eth_sendTransaction":             true,
}

// Call forwards a stateless JSON-RPC read to the node. Subscriptions, filters and
// anything that signs or sends are refused.
func (m *Manager) Call(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	if method == "" || unsupportedMethods[method] ||
		strings.HasPrefix(method, "eth_sign") || strings.HasPrefix(method, "personal_") {
		return nil, errors.Wrapf(txn.ErrUnsupportedMethod, "%q", method)
	}

	return m.rpc.CallContext(ctx, method, params)
}

// ActiveRecords lists every record the watcher has to observe, reading the store in
// batches of ActiveBatchSize.
func (m *Manager) ActiveRecords(ctx context.Context) ([]*txn.Record, error) {
	var (
		cursor store.Cursor
		active []*txn.Record
	)

	for {
		batch, err := m.store.ListActive(ctx, cursor, m.cfg.ActiveBatchSize)
		if err != nil {
			return nil, err
		}

		active = append(active, batch...)
		if len(batch) < m.cfg.ActiveBatchSize {
			return active, nil
		}

		cursor = store.CursorOf(batch[len(batch)-1])
	}
}

// Cancel stops tracking a record that has not been mined yet by marking it failed.
// Cancelling a failed record is a no-op.
func (m *Manager) Cancel(ctx context.Context, id string, reason string) (*txn.Record, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case rec.Status == txn.StatusFailed:
		return rec, nil
	case rec.Status.Terminal(), rec.Status == txn.StatusMined:
		return nil, errors.Wrapf(txn.ErrNotCancellable, "status %s", rec.Status)
	}

	failure := "cancelled"
	if reason != "" {
		failure += ": " + reason
	}
	m.fail(rec, failure)
	if err := m.save(ctx, rec); err != nil {
		return nil, err
	}

	util.LogFromContext(ctx).Info().Str("transaction_id", id).Str("reason", reason).Msg("Transaction cancelled")

	return rec.Clone(), nil
}

// Drain waits for background broadcasts to finish or ctx to expire.
func (m *Manager) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// insert persists a new record, retrying errors that are not a uniqueness violation.
func (m *Manager) insert(ctx context.Context, rec *txn.Record) error {
	var err error
	for attempt := 1; attempt <= insertAttempts; attempt++ {
		err = m.store.Insert(ctx, rec)
		if err == nil || errors.Is(err, txn.ErrDuplicate) {
			return err
		}

		util.LogFromContext(ctx).Warn().Err(err).Int("attempt", attempt).Str("transaction_id", rec.ID).Msg("Failed to insert transaction record")
	}

	return err
}

// releaseNonce occupies an allocated nonce that no record carries with a zero value
// self transfer, so later nonces of the key are not blocked behind it.
func (m *Manager) releaseNonce(ctx context.Context, rec *txn.Record, nonce uint64, price *big.Int) {
	log := util.LogFromContext(ctx).With().Str("signing_key_id", rec.SigningKeyID).Uint64("nonce", nonce).Logger()

	if !m.cfg.FillNonceGaps {
		log.Error().Msg("Nonce is left unused, later transactions of the key wait until it is filled")
		return
	}

	signed, raw, err := m.sign(ctx, rec, nonce, price, true)
	if err != nil {
		log.Error().Err(err).Msg("Failed to sign nonce gap filler, nonce is left unused")
		return
	}

	m.metrics.Replacements.WithLabelValues("gap_fill").Inc()
	log = log.With().Str("hash", signed.Hash().Hex()).Logger()

	ctx = context.WithoutCancel(ctx)
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()

		if err := m.broadcaster.Broadcast(ctx, raw); err != nil {
			log.Error().Err(err).Msg("Failed to fill nonce of abandoned submission")
			return
		}

		log.Info().Msg("Filled nonce of abandoned submission")
	}()
}

// dispatch broadcasts raw in the background and applies the node's verdict.
func (m *Manager) dispatch(ctx context.Context, id string, hash common.Hash, raw []byte) {
	ctx = context.WithoutCancel(ctx)

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()

		err := m.broadcaster.Broadcast(ctx, raw)
		m.applyVerdict(ctx, id, hash, err)
	}()
}

func (m *Manager) sign(ctx context.Context, rec *txn.Record, nonce uint64, price *big.Int, noop bool) (*types.Transaction, []byte, error) {
	to := rec.To
	value := rec.Value
	data := rec.Data
	gas := rec.GasLimit
	if noop {
		to = rec.From
		value = new(big.Int)
		data = nil
		gas = intrinsicGas
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: price,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})

	signed, err := m.keys.SignTx(ctx, rec.SigningKeyID, tx, new(big.Int).SetUint64(rec.ChainID))
	if err != nil {
		return nil, nil, err
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to encode signed transaction")
	}

	return signed, raw, nil
}

func (m *Manager) capped(price *big.Int) *big.Int {
	if m.cfg.MaxGasPrice != nil && m.cfg.MaxGasPrice.Sign() > 0 && price.Cmp(m.cfg.MaxGasPrice) > 0 {
		return new(big.Int).Set(m.cfg.MaxGasPrice)
	}

	return price
}

func (m *Manager) transition(rec *txn.Record, to txn.Status) {
	if rec.Status == to {
		return
	}

	m.metrics.Transitions.WithLabelValues(string(rec.Status), string(to)).Inc()
	rec.Status = to
}

func (m *Manager) fail(rec *txn.Record, reason string) {
	m.transition(rec, txn.StatusFailed)
	rec.Metadata.FailureReason = reason
	if entry, ok := rec.Entry(rec.CurrentHash); ok && entry.Active() {
		entry.Status = txn.StatusFailed
	}
}

func (m *Manager) save(ctx context.Context, rec *txn.Record) error {
	rec.UpdatedAt = m.clock.Now()
	return m.store.Update(ctx, rec)
}
