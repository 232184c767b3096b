package custody

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/dropbox/godropbox/time2"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github/chapool/go-relay/internal/relay/txn"
	"github/chapool/go-relay/internal/util"
)

// Signer signs on behalf of registered signing keys. Private keys are derived from
// the in-memory seed per call and wiped afterwards.
type Signer struct {
	seeds    *SeedManager
	registry Registry
	clock    time2.Clock
}

func NewSigner(seeds *SeedManager, registry Registry, clock time2.Clock) *Signer {
	return &Signer{seeds: seeds, registry: registry, clock: clock}
}

// Resolve returns the enabled signing key keyID or txn.ErrKeyUnavailable.
func (s *Signer) Resolve(ctx context.Context, keyID string) (*SigningKey, error) {
	if !s.seeds.Unlocked() {
		return nil, errors.Wrap(txn.ErrKeyUnavailable, ErrLocked.Error())
	}

	key, err := s.registry.Get(ctx, keyID)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, errors.Wrapf(txn.ErrKeyUnavailable, "unknown signing key %q", keyID)
		}
		return nil, err
	}

	if !key.Enabled {
		return nil, errors.Wrapf(txn.ErrKeyUnavailable, "signing key %q is disabled", keyID)
	}

	return key, nil
}

// AddKey registers keyID at the next unused account index.
func (s *Signer) AddKey(ctx context.Context, keyID string) (*SigningKey, error) {
	seed, err := s.seeds.Seed()
	if err != nil {
		return nil, err
	}
	defer wipe(seed)

	existing, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	path := DerivationPath(uint32(len(existing)))
	address, err := deriveAddress(seed, path)
	if err != nil {
		return nil, err
	}

	key := &SigningKey{
		ID:             keyID,
		Address:        address,
		DerivationPath: path,
		Enabled:        true,
		CreatedAt:      s.clock.Now().UTC(),
	}

	if err := s.registry.Insert(ctx, key); err != nil {
		return nil, err
	}

	util.LogFromContext(ctx).Info().Str("signing_key_id", keyID).Str("address", address.Hex()).Str("path", path).Msg("Signing key registered")

	return key, nil
}

// SignTx signs a legacy transaction with EIP-155 replay protection.
func (s *Signer) SignTx(ctx context.Context, keyID string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	var signed *types.Transaction
	err := s.withKey(ctx, keyID, func(key *ecdsa.PrivateKey) error {
		var err error
		signed, err = types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
		return errors.Wrap(err, "failed to sign transaction")
	})

	return signed, err
}

// SignMessage produces an EIP-191 personal message signature with V in {27, 28}.
func (s *Signer) SignMessage(ctx context.Context, keyID string, message []byte) (*txn.Signature, error) {
	var sig []byte
	err := s.withKey(ctx, keyID, func(key *ecdsa.PrivateKey) error {
		var err error
		sig, err = crypto.Sign(accounts.TextHash(message), key)
		return errors.Wrap(err, "failed to sign message")
	})
	if err != nil {
		return nil, err
	}

	sig[crypto.RecoveryIDOffset] += 27

	return &txn.Signature{
		Sig: sig,
		R:   common.BytesToHash(sig[:32]),
		S:   common.BytesToHash(sig[32:64]),
		V:   sig[crypto.RecoveryIDOffset],
	}, nil
}

func (s *Signer) withKey(ctx context.Context, keyID string, fn func(key *ecdsa.PrivateKey) error) error {
	signingKey, err := s.Resolve(ctx, keyID)
	if err != nil {
		return err
	}

	seed, err := s.seeds.Seed()
	if err != nil {
		return errors.Wrap(txn.ErrKeyUnavailable, err.Error())
	}
	defer wipe(seed)

	raw, err := derivePrivateKey(seed, signingKey.DerivationPath)
	if err != nil {
		return errors.Wrap(err, "failed to derive private key")
	}
	defer wipe(raw)

	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return errors.Wrap(err, "failed to convert to ECDSA private key")
	}
	defer key.D.SetInt64(0)

	if crypto.PubkeyToAddress(key.PublicKey) != signingKey.Address {
		// a different mnemonic was unlocked than the one the key was registered with
		return errors.Wrapf(txn.ErrKeyUnavailable, "derived address does not match signing key %q", keyID)
	}

	return fn(key)
}
