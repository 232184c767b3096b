package relay

import (
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/labstack/echo/v4"
	"github/chapool/go-relay/internal/api"
	"github/chapool/go-relay/internal/relay/txn"
	"github/chapool/go-relay/internal/types"
	"github/chapool/go-relay/internal/util"
)

func PostTransactionRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1Relay.POST("/transactions", postTransactionHandler(s))
}

// postTransactionHandler accepts an intent and returns its record as soon as it was
// signed and persisted. Broadcasting continues in the background.
func postTransactionHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		var body types.PostTransactionPayload
		if err := util.BindAndValidateBody(c, &body); err != nil {
			return err
		}

		intent := txn.Intent{
			To:             common.HexToAddress(*body.To),
			GasLimit:       uint64(*body.GasLimit),
			Speed:          txn.Speed(body.Speed),
			ChainID:        uint64(body.ChainID),
			SigningKeyID:   *body.SigningKeyID,
			IdempotencyKey: body.IdempotencyKey,
		}

		var err error
		if intent.Value, err = optionalQuantity(body.Value); err != nil {
			return err
		}
		if intent.GasPrice, err = optionalQuantity(body.GasPrice); err != nil {
			return err
		}
		if body.Data != "" {
			if intent.Data, err = hexutil.Decode(body.Data); err != nil {
				return txn.Invalid("data: %v", err)
			}
		}

		rec, err := s.Relay.Submit(ctx, intent)
		if err != nil {
			return err
		}

		return util.ValidateAndReturn(c, http.StatusOK, toTransaction(rec))
	}
}

func optionalQuantity(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}

	v, err := hexutil.DecodeBig(s)
	if err != nil {
		return nil, txn.Invalid("quantity %q: %v", s, err)
	}

	return v, nil
}
