package custody

import (
	"crypto/sha512"
	"sync"

	"github.com/pkg/errors"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/pbkdf2"
)

// ErrLocked is returned while no seed has been loaded.
var ErrLocked = errors.New("custody is locked")

// SeedManager holds the BIP39 seed in memory for the lifetime of the process.
type SeedManager struct {
	mu   sync.RWMutex
	seed []byte
}

func NewSeedManager() *SeedManager {
	return &SeedManager{}
}

// Initialize validates mnemonic and derives the seed as PBKDF2(mnemonic,
// "mnemonic"+passphrase, 2048, 64, SHA512).
func (m *SeedManager) Initialize(mnemonic string, passphrase string) error {
	if !bip39.IsMnemonicValid(mnemonic) {
		return errors.New("invalid BIP39 mnemonic")
	}

	seed := pbkdf2.Key([]byte(mnemonic), []byte("mnemonic"+passphrase), 2048, 64, sha512.New)

	m.mu.Lock()
	defer m.mu.Unlock()

	wipe(m.seed)
	m.seed = seed

	return nil
}

// Seed returns a copy of the seed, the caller must wipe it after use.
func (m *SeedManager) Seed() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.seed == nil {
		return nil, ErrLocked
	}

	c := make([]byte, len(m.seed))
	copy(c, m.seed)

	return c, nil
}

func (m *SeedManager) Unlocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.seed != nil
}

// Clear wipes the seed from memory.
func (m *SeedManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	wipe(m.seed)
	m.seed = nil
}

// NewMnemonic generates a 24 word BIP39 mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", errors.Wrap(err, "failed to generate entropy")
	}
	defer wipe(entropy)

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", errors.Wrap(err, "failed to generate mnemonic")
	}

	return mnemonic, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
