package relay

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github/chapool/go-relay/internal/relay/txn"
	"github/chapool/go-relay/internal/types"
)

func quantity(v *big.Int) *string {
	if v == nil {
		return swag.String("0x0")
	}

	return swag.String(hexutil.EncodeBig(v))
}

func toTransaction(rec *txn.Record) *types.Transaction {
	createdAt := strfmt.DateTime(rec.CreatedAt)

	history := make([]*types.HashEntry, 0, len(rec.HashHistory))
	for _, e := range rec.HashHistory {
		broadcastAt := strfmt.DateTime(e.BroadcastAt)
		history = append(history, &types.HashEntry{
			BroadcastAt: &broadcastAt,
			GasPrice:    quantity(e.GasPrice),
			GapFill:     e.GapFill,
			Hash:        swag.String(e.Hash.Hex()),
			Nonce:       swag.Int64(int64(e.Nonce)),
			NoOp:        e.NoOp,
			Status:      swag.String(string(e.Status)),
		})
	}

	res := &types.Transaction{
		ChainID:         swag.Int64(int64(rec.ChainID)),
		CreatedAt:       &createdAt,
		Data:            hexutil.Encode(rec.Data),
		FailureReason:   rec.Metadata.FailureReason,
		From:            swag.String(rec.From.Hex()),
		GasLimit:        swag.Int64(int64(rec.GasLimit)),
		GasPrice:        quantity(rec.GasPrice),
		Hash:            swag.String(rec.CurrentHash.Hex()),
		HashHistory:     history,
		IntentFulfilled: rec.Metadata.IntentFulfilled,
		Nonce:           swag.Int64(int64(rec.Nonce)),
		Reverted:        rec.Reverted,
		Speed:           string(rec.Speed),
		Status:          swag.String(string(rec.Status)),
		To:              swag.String(rec.To.Hex()),
		TransactionID:   swag.String(rec.ID),
		Value:           quantity(rec.Value),
	}

	if !rec.MinedAt.IsZero() {
		res.MinedAt = strfmt.DateTime(rec.MinedAt)
		res.MinedBlockNumber = int64(rec.MinedBlockNumber)
	}

	return res
}
