package test

import (
	"github.com/ethereum/go-ethereum/common"
)

const (
	// Mnemonic is the well known BIP39 test vector, never fund its accounts.
	Mnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

	SigningKeyID = "relayer"

	ChainID uint64 = 1337
)

var Recipient = common.HexToAddress("0x00000000000000000000000000000000000000b0")
