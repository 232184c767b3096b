package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"math/big"
	"time"

	"github.com/aarondl/null/v8"
	"github.com/aarondl/sqlboiler/v4/boil"
	"github.com/aarondl/sqlboiler/v4/queries"
	"github.com/aarondl/sqlboiler/v4/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github/chapool/go-relay/internal/relay/txn"
	"github/chapool/go-relay/internal/util"
	dbutil "github/chapool/go-relay/internal/util/db"
)

const (
	uniqueViolation  = "23505"
	defaultListLimit = 500
)

const selectColumns = `id, signing_key_id, from_address, chain_id, nonce, to_address, value::text AS value, data,
	gas_limit, gas_price::text AS gas_price, speed, status, current_hash, hash_history, raw_tx, idempotency_key,
	mined_hash, mined_block_number, mined_block_hash, reverted, stale_cycles, reorg_count, metadata, version,
	created_at, updated_at, last_repriced_at, mined_at`

type recordRow struct {
	ID               string      `boil:"id"`
	SigningKeyID     string      `boil:"signing_key_id"`
	FromAddress      string      `boil:"from_address"`
	ChainID          int64       `boil:"chain_id"`
	Nonce            int64       `boil:"nonce"`
	ToAddress        string      `boil:"to_address"`
	Value            string      `boil:"value"`
	Data             []byte      `boil:"data"`
	GasLimit         int64       `boil:"gas_limit"`
	GasPrice         string      `boil:"gas_price"`
	Speed            string      `boil:"speed"`
	Status           string      `boil:"status"`
	CurrentHash      string      `boil:"current_hash"`
	HashHistory      types.JSON  `boil:"hash_history"`
	RawTx            null.Bytes  `boil:"raw_tx"`
	IdempotencyKey   null.String `boil:"idempotency_key"`
	MinedHash        null.String `boil:"mined_hash"`
	MinedBlockNumber null.Int64  `boil:"mined_block_number"`
	MinedBlockHash   null.String `boil:"mined_block_hash"`
	Reverted         bool        `boil:"reverted"`
	StaleCycles      int         `boil:"stale_cycles"`
	ReorgCount       int         `boil:"reorg_count"`
	Metadata         types.JSON  `boil:"metadata"`
	Version          int64       `boil:"version"`
	CreatedAt        time.Time   `boil:"created_at"`
	UpdatedAt        time.Time   `boil:"updated_at"`
	LastRepricedAt   null.Time   `boil:"last_repriced_at"`
	MinedAt          null.Time   `boil:"mined_at"`
}

// Postgres persists records in the relay_transactions table. The replacement chain
// lives in the hash_history jsonb column of the record row itself.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Insert(ctx context.Context, rec *txn.Record) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO relay_transactions (
			id, signing_key_id, from_address, chain_id, nonce, to_address, value, data, gas_limit, gas_price,
			speed, status, current_hash, hash_history, raw_tx, idempotency_key, mined_hash, mined_block_number,
			mined_block_hash, reverted, stale_cycles, reorg_count, metadata, created_at, updated_at,
			last_repriced_at, mined_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27, 1
		)`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return txn.ErrDuplicate
		}

		return errors.Wrap(err, "failed to insert transaction record")
	}

	rec.Version = 1

	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*txn.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, txn.ErrNotFound
	}

	return p.one(ctx, p.db, `SELECT `+selectColumns+` FROM relay_transactions WHERE id = $1`, id)
}

func (p *Postgres) GetByHash(ctx context.Context, hash common.Hash) (*txn.Record, error) {
	filter, err := json.Marshal([]map[string]common.Hash{{"hash": hash}})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build hash filter")
	}

	return p.one(ctx, p.db, `SELECT `+selectColumns+` FROM relay_transactions WHERE hash_history @> $1::jsonb LIMIT 1`, string(filter))
}

func (p *Postgres) GetByIdempotencyKey(ctx context.Context, signingKeyID string, key string) (*txn.Record, error) {
	return p.one(ctx, p.db, `SELECT `+selectColumns+` FROM relay_transactions WHERE signing_key_id = $1 AND idempotency_key = $2`, signingKeyID, key)
}

// Update writes rec guarded by its version and bumps rec.Version on success.
func (p *Postgres) Update(ctx context.Context, rec *txn.Record) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}

	err = dbutil.WithTransaction(ctx, p.db, func(exec boil.ContextExecutor) error {
		res, err := exec.ExecContext(ctx, `
			UPDATE relay_transactions SET
				signing_key_id = $2, from_address = $3, chain_id = $4, nonce = $5, to_address = $6, value = $7,
				data = $8, gas_limit = $9, gas_price = $10, speed = $11, status = $12, current_hash = $13,
				hash_history = $14, raw_tx = $15, idempotency_key = $16, mined_hash = $17, mined_block_number = $18,
				mined_block_hash = $19, reverted = $20, stale_cycles = $21, reorg_count = $22, metadata = $23,
				created_at = $24, updated_at = $25, last_repriced_at = $26, mined_at = $27, version = version + 1
			WHERE id = $1 AND version = $28`, append(args, rec.Version)...)
		if err != nil {
			if isUniqueViolation(err) {
				return txn.ErrDuplicate
			}

			return errors.Wrap(err, "failed to update transaction record")
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to read affected rows")
		}

		if affected == 0 {
			var exists bool
			if err := exec.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM relay_transactions WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
				return errors.Wrap(err, "failed to check transaction record")
			}
			if !exists {
				return txn.ErrNotFound
			}

			return errors.Wrap(txn.ErrConflict, dbutil.ErrNoRowsAffected.Error())
		}

		return nil
	})
	if err != nil {
		return err
	}

	rec.Version++

	return nil
}

func (p *Postgres) ListActive(ctx context.Context, after Cursor, limit int) ([]*txn.Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	q := queries.Raw(`SELECT `+selectColumns+` FROM relay_transactions
		WHERE status IN ('pending', 'sent', 'submitted', 'inmempool', 'mined')
		ORDER BY created_at ASC, id ASC LIMIT $1`, limit)
	if !after.IsZero() {
		q = queries.Raw(`SELECT `+selectColumns+` FROM relay_transactions
			WHERE status IN ('pending', 'sent', 'submitted', 'inmempool', 'mined')
			AND (created_at, id) > ($2, $3::uuid)
			ORDER BY created_at ASC, id ASC LIMIT $1`, limit, after.CreatedAt, after.ID)
	}

	var rows []*recordRow
	if err := q.Bind(ctx, p.db, &rows); err != nil {
		return nil, errors.Wrap(err, "failed to list active transaction records")
	}

	records := make([]*txn.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, nil
}

func (p *Postgres) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM relay_transactions WHERE created_at < $1 AND status IN ('confirmed', 'failed')`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge transaction records")
	}

	return res.RowsAffected()
}

func (p *Postgres) ReserveNonce(ctx context.Context, signingKeyID string, chainID uint64, floor uint64) (uint64, error) {
	var reserved struct {
		HighWater int64 `boil:"high_water"`
	}

	err := queries.Raw(`
		INSERT INTO relay_nonces (signing_key_id, chain_id, high_water, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (signing_key_id, chain_id) DO UPDATE
			SET high_water = GREATEST(relay_nonces.high_water + 1, EXCLUDED.high_water), updated_at = now()
		RETURNING high_water`, signingKeyID, int64(chainID), int64(floor)).Bind(ctx, p.db, &reserved)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reserve nonce")
	}

	return uint64(reserved.HighWater), nil
}

func (p *Postgres) one(ctx context.Context, exec boil.ContextExecutor, query string, args ...interface{}) (*txn.Record, error) {
	var row recordRow
	if err := queries.Raw(query, args...).Bind(ctx, exec, &row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, txn.ErrNotFound
		}

		util.LogFromContext(ctx).Error().Err(err).Msg("Failed to load transaction record")
		return nil, errors.Wrap(err, "failed to load transaction record")
	}

	return row.toRecord()
}

func recordArgs(rec *txn.Record) ([]interface{}, error) {
	history, err := json.Marshal(rec.HashHistory)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal hash history")
	}

	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal metadata")
	}

	var (
		idempotencyKey   null.String
		minedHash        null.String
		minedBlockHash   null.String
		minedBlockNumber null.Int64
		lastRepricedAt   null.Time
		minedAt          null.Time
		rawTx            null.Bytes
	)

	if rec.IdempotencyKey != "" {
		idempotencyKey = null.StringFrom(rec.IdempotencyKey)
	}
	if rec.MinedHash != (common.Hash{}) {
		minedHash = null.StringFrom(rec.MinedHash.Hex())
		minedBlockHash = null.StringFrom(rec.MinedBlockHash.Hex())
		minedBlockNumber = null.Int64From(int64(rec.MinedBlockNumber))
	}
	if !rec.LastRepricedAt.IsZero() {
		lastRepricedAt = null.TimeFrom(rec.LastRepricedAt)
	}
	if !rec.MinedAt.IsZero() {
		minedAt = null.TimeFrom(rec.MinedAt)
	}
	if len(rec.RawTx) > 0 {
		rawTx = null.BytesFrom(rec.RawTx)
	}

	data := rec.Data
	if data == nil {
		data = []byte{}
	}

	return []interface{}{
		rec.ID,
		rec.SigningKeyID,
		rec.From.Hex(),
		int64(rec.ChainID),
		int64(rec.Nonce),
		rec.To.Hex(),
		bigString(rec.Value),
		data,
		int64(rec.GasLimit),
		bigString(rec.GasPrice),
		string(rec.Speed),
		string(rec.Status),
		rec.CurrentHash.Hex(),
		string(history),
		rawTx,
		idempotencyKey,
		minedHash,
		minedBlockNumber,
		minedBlockHash,
		rec.Reverted,
		rec.StaleCycles,
		rec.ReorgCount,
		string(metadata),
		rec.CreatedAt,
		rec.UpdatedAt,
		lastRepricedAt,
		minedAt,
	}, nil
}

func (r *recordRow) toRecord() (*txn.Record, error) {
	value, ok := new(big.Int).SetString(r.Value, 10)
	if !ok {
		return nil, errors.Errorf("invalid value %q for record %s", r.Value, r.ID)
	}

	gasPrice, ok := new(big.Int).SetString(r.GasPrice, 10)
	if !ok {
		return nil, errors.Errorf("invalid gas price %q for record %s", r.GasPrice, r.ID)
	}

	rec := &txn.Record{
		ID:             r.ID,
		SigningKeyID:   r.SigningKeyID,
		From:           common.HexToAddress(r.FromAddress),
		ChainID:        uint64(r.ChainID),
		Nonce:          uint64(r.Nonce),
		To:             common.HexToAddress(r.ToAddress),
		Value:          value,
		Data:           r.Data,
		GasLimit:       uint64(r.GasLimit),
		Speed:          txn.Speed(r.Speed),
		GasPrice:       gasPrice,
		Status:         txn.Status(r.Status),
		CurrentHash:    common.HexToHash(r.CurrentHash),
		RawTx:          r.RawTx.Bytes,
		Reverted:       r.Reverted,
		StaleCycles:    r.StaleCycles,
		ReorgCount:     r.ReorgCount,
		IdempotencyKey: r.IdempotencyKey.String,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		LastRepricedAt: r.LastRepricedAt.Time,
		MinedAt:        r.MinedAt.Time,
	}

	if r.MinedHash.Valid {
		rec.MinedHash = common.HexToHash(r.MinedHash.String)
		rec.MinedBlockHash = common.HexToHash(r.MinedBlockHash.String)
		rec.MinedBlockNumber = uint64(r.MinedBlockNumber.Int64)
	}

	if err := r.HashHistory.Unmarshal(&rec.HashHistory); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal hash history")
	}

	if err := r.Metadata.Unmarshal(&rec.Metadata); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal metadata")
	}

	return rec, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}

	return v.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}

	return false
}
