package custody_test

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github/chapool/go-relay/internal/config"
	"github/chapool/go-relay/internal/custody"
	"github/chapool/go-relay/internal/relay/txn"
)

//nolint:dupword
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// first account of testMnemonic at m/44'/60'/0'/0/0
var testAddress = common.HexToAddress("0x9858EfFD232B4033E47d90003D41EC34EcaEda94")

func unlockedSigner(t *testing.T) *custody.Signer {
	t.Helper()

	seeds := custody.NewSeedManager()
	require.NoError(t, seeds.Initialize(testMnemonic, ""))

	return custody.NewSigner(seeds, custody.NewMemoryRegistry(), time2.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestKeystoreRoundTrip(t *testing.T) {
	ks := custody.NewFileKeystore(filepath.Join(t.TempDir(), "keys", "keystore.json"), custody.LightScryptParams)

	exists, err := ks.Exists()
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, ks.Create(t.Context(), testMnemonic, "correct horse"))

	exists, err = ks.Exists()
	require.NoError(t, err)
	assert.True(t, exists)

	mnemonic, err := ks.Unlock(t.Context(), "correct horse")
	require.NoError(t, err)
	assert.Equal(t, testMnemonic, mnemonic)

	_, err = ks.Unlock(t.Context(), "wrong horse")
	assert.True(t, errors.Is(err, custody.ErrInvalidPassword))

	err = ks.Create(t.Context(), testMnemonic, "correct horse")
	assert.True(t, errors.Is(err, custody.ErrKeystoreExists))
}

func TestKeystoreMissing(t *testing.T) {
	ks := custody.NewFileKeystore(filepath.Join(t.TempDir(), "none.json"), custody.LightScryptParams)

	_, err := ks.Unlock(t.Context(), "whatever")
	assert.True(t, errors.Is(err, custody.ErrKeystoreNotFound))
}

func TestSeedManager(t *testing.T) {
	seeds := custody.NewSeedManager()
	assert.False(t, seeds.Unlocked())

	_, err := seeds.Seed()
	assert.True(t, errors.Is(err, custody.ErrLocked))

	require.Error(t, seeds.Initialize("not a mnemonic", ""))

	require.NoError(t, seeds.Initialize(testMnemonic, ""))
	assert.True(t, seeds.Unlocked())

	seed, err := seeds.Seed()
	require.NoError(t, err)
	assert.Len(t, seed, 64)

	seeds.Clear()
	assert.False(t, seeds.Unlocked())
}

func TestNewMnemonic(t *testing.T) {
	mnemonic, err := custody.NewMnemonic()
	require.NoError(t, err)

	seeds := custody.NewSeedManager()
	require.NoError(t, seeds.Initialize(mnemonic, ""))
}

func TestAddKeyDerivesSequentialAccounts(t *testing.T) {
	signer := unlockedSigner(t)

	first, err := signer.AddKey(t.Context(), "hot-1")
	require.NoError(t, err)
	assert.Equal(t, "m/44'/60'/0'/0/0", first.DerivationPath)
	assert.Equal(t, testAddress, first.Address)

	second, err := signer.AddKey(t.Context(), "hot-2")
	require.NoError(t, err)
	assert.Equal(t, "m/44'/60'/0'/0/1", second.DerivationPath)
	assert.NotEqual(t, first.Address, second.Address)

	_, err = signer.AddKey(t.Context(), "hot-1")
	assert.True(t, errors.Is(err, custody.ErrKeyDuplicate))
}

func TestSignTxRecoversSender(t *testing.T) {
	signer := unlockedSigner(t)
	_, err := signer.AddKey(t.Context(), "hot-1")
	require.NoError(t, err)

	chainID := big.NewInt(5)
	to := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    7,
		GasPrice: big.NewInt(1_000_000_000),
		Gas:      21000,
		To:       &to,
		Value:    big.NewInt(1),
	})

	signed, err := signer.SignTx(t.Context(), "hot-1", tx, chainID)
	require.NoError(t, err)

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, testAddress, sender)
	assert.Equal(t, chainID, signed.ChainId())
}

func TestSignMessage(t *testing.T) {
	signer := unlockedSigner(t)
	_, err := signer.AddKey(t.Context(), "hot-1")
	require.NoError(t, err)

	message := []byte("hello relay")
	sig, err := signer.SignMessage(t.Context(), "hot-1", message)
	require.NoError(t, err)

	require.Len(t, sig.Sig, 65)
	assert.Contains(t, []uint8{27, 28}, sig.V)
	assert.Equal(t, common.BytesToHash(sig.Sig[:32]), sig.R)
	assert.Equal(t, common.BytesToHash(sig.Sig[32:64]), sig.S)

	raw := append([]byte(nil), sig.Sig...)
	raw[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(message), raw)
	require.NoError(t, err)
	assert.Equal(t, testAddress, crypto.PubkeyToAddress(*pub))
}

func TestSignRejectsUnknownOrLockedKeys(t *testing.T) {
	signer := unlockedSigner(t)

	_, err := signer.SignMessage(t.Context(), "missing", []byte("x"))
	assert.True(t, errors.Is(err, txn.ErrKeyUnavailable))

	registry := custody.NewMemoryRegistry()
	require.NoError(t, registry.Insert(t.Context(), &custody.SigningKey{
		ID: "hot-1", Address: testAddress, DerivationPath: custody.DerivationPath(0), Enabled: true,
	}))

	locked := custody.NewSigner(custody.NewSeedManager(), registry, time2.DefaultClock)
	_, err = locked.Resolve(t.Context(), "hot-1")
	assert.True(t, errors.Is(err, txn.ErrKeyUnavailable))
}

func TestUnlockCreatesAndReopensKeystore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	cfg := config.Custody{KeystorePath: path, KeystorePassword: "correct horse"}

	first := custody.NewSeedManager()
	require.NoError(t, custody.Unlock(t.Context(), cfg, custody.NewFileKeystore(path, custody.LightScryptParams), first, nil))
	seedA, err := first.Seed()
	require.NoError(t, err)

	second := custody.NewSeedManager()
	require.NoError(t, custody.Unlock(t.Context(), cfg, custody.NewFileKeystore(path, custody.LightScryptParams), second, nil))
	seedB, err := second.Seed()
	require.NoError(t, err)

	assert.Equal(t, seedA, seedB)

	cfg.KeystorePassword = "wrong horse"
	require.Error(t, custody.Unlock(t.Context(), cfg, custody.NewFileKeystore(path, custody.LightScryptParams), custody.NewSeedManager(), nil))
}

func TestUnlockPromptsForNewPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")

	answers := []string{"short", "short"}
	prompt := func(string) (string, error) {
		answer := answers[0]
		answers = answers[1:]
		return answer, nil
	}

	err := custody.Unlock(t.Context(), config.Custody{}, custody.NewFileKeystore(path, custody.LightScryptParams), custody.NewSeedManager(), prompt)
	require.Error(t, err)
}
