package broadcast

import (
	"strings"

	"github/chapool/go-relay/internal/relay/txn"
)

// node error fragments as reported by geth, erigon, nethermind and besu
var (
	alreadyKnown = []string{
		"already known",
		"known transaction",
		"alreadyknown",
		"transaction already imported",
	}
	nonceTooLow = []string{
		"nonce too low",
		"nonce is too low",
		"oldnonce",
	}
	underpriced = []string{
		"replacement transaction underpriced",
		"transaction underpriced",
		"underpriced",
		"gas price too low",
		"fee too low",
		"feetoolow",
		"max fee per gas less than block base fee",
	}
	insufficientFunds = []string{
		"insufficient funds",
		"insufficient balance",
		"insufficientfunds",
	}
)

// IsAlreadyKnown reports whether the node already holds the transaction.
func IsAlreadyKnown(err error) bool {
	return err != nil && containsAny(strings.ToLower(err.Error()), alreadyKnown)
}

// Classify maps a node rejection to its class. The second result is false when the
// message matches no known rejection.
func Classify(err error) (txn.RejectionClass, bool) {
	if err == nil {
		return "", false
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, nonceTooLow):
		return txn.RejectionNonceTooLow, true
	case containsAny(msg, underpriced):
		return txn.RejectionUnderpriced, true
	case containsAny(msg, insufficientFunds):
		return txn.RejectionInsufficientFunds, true
	default:
		return txn.RejectionUnknown, false
	}
}

func containsAny(msg string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(msg, f) {
			return true
		}
	}

	return false
}
