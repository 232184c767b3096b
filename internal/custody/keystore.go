package custody

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github/chapool/go-relay/internal/util"
	"golang.org/x/crypto/scrypt"
)

var (
	ErrKeystoreExists   = errors.New("keystore already exists")
	ErrKeystoreNotFound = errors.New("keystore not found")
	ErrInvalidPassword  = errors.New("invalid keystore password")
)

// KeystoreJSON is the Ethereum keystore v3 layout, encrypting a mnemonic instead of a
// private key.
type KeystoreJSON struct {
	Version int    `json:"version"`
	ID      string `json:"id"`
	Crypto  struct {
		Ciphertext   string `json:"ciphertext"`
		CipherParams struct {
			IV string `json:"iv"`
		} `json:"cipherparams"`
		Cipher    string `json:"cipher"`
		KDF       string `json:"kdf"`
		KDFParams struct {
			DKLen int    `json:"dklen"`
			Salt  string `json:"salt"`
			N     int    `json:"n"`
			R     int    `json:"r"`
			P     int    `json:"p"`
		} `json:"kdfparams"`
		MAC string `json:"mac"`
	} `json:"crypto"`
}

// ScryptParams defines scrypt KDF parameters
type ScryptParams struct {
	DKLen int
	N     int
	R     int
	P     int
}

// StandardScryptParams are the keystore v3 defaults.
var StandardScryptParams = ScryptParams{DKLen: 32, N: 1 << 18, R: 8, P: 1}

// LightScryptParams trade security for speed, use them in tests only.
var LightScryptParams = ScryptParams{DKLen: 32, N: 1 << 12, R: 8, P: 6}

// FileKeystore keeps the encrypted mnemonic in a single JSON file.
type FileKeystore struct {
	path   string
	params ScryptParams
}

func NewFileKeystore(path string, params ScryptParams) *FileKeystore {
	return &FileKeystore{path: path, params: params}
}

func (k *FileKeystore) Exists() (bool, error) {
	_, err := os.Stat(k.path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}

	return false, errors.Wrap(err, "failed to stat keystore")
}

// Create encrypts mnemonic with password and writes the keystore file. It never
// overwrites an existing keystore.
func (k *FileKeystore) Create(ctx context.Context, mnemonic string, password string) error {
	log := util.LogFromContext(ctx)

	ks, err := encryptMnemonic(mnemonic, password, k.params)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encrypt mnemonic")
		return errors.Wrap(err, "failed to encrypt mnemonic")
	}

	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal keystore JSON")
	}

	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return errors.Wrap(err, "failed to create keystore directory")
	}

	f, err := os.OpenFile(k.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return ErrKeystoreExists
		}
		return errors.Wrap(err, "failed to create keystore file")
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return errors.Wrap(err, "failed to write keystore file")
	}

	log.Info().Str("path", k.path).Str("keystore_id", ks.ID).Msg("Keystore created")

	return f.Sync()
}

// Unlock decrypts the mnemonic.
func (k *FileKeystore) Unlock(_ context.Context, password string) (string, error) {
	data, err := os.ReadFile(k.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrKeystoreNotFound
		}
		return "", errors.Wrap(err, "failed to read keystore file")
	}

	var ks KeystoreJSON
	if err := json.Unmarshal(data, &ks); err != nil {
		return "", errors.Wrap(err, "failed to unmarshal keystore JSON")
	}

	return decryptMnemonic(&ks, password)
}

func encryptMnemonic(mnemonic string, password string, params ScryptParams) (*KeystoreJSON, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "failed to generate salt")
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "failed to generate IV")
	}

	derivedKey, err := scrypt.Key([]byte(password), salt, params.N, params.R, params.P, params.DKLen)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive key")
	}

	ciphertext, err := aes128CTR(derivedKey[:16], iv, []byte(mnemonic))
	if err != nil {
		return nil, err
	}

	ks := &KeystoreJSON{Version: 3, ID: uuid.New().String()}
	ks.Crypto.Ciphertext = hex.EncodeToString(ciphertext)
	ks.Crypto.CipherParams.IV = hex.EncodeToString(iv)
	ks.Crypto.Cipher = "aes-128-ctr"
	ks.Crypto.KDF = "scrypt"
	ks.Crypto.KDFParams.DKLen = params.DKLen
	ks.Crypto.KDFParams.Salt = hex.EncodeToString(salt)
	ks.Crypto.KDFParams.N = params.N
	ks.Crypto.KDFParams.R = params.R
	ks.Crypto.KDFParams.P = params.P
	ks.Crypto.MAC = hex.EncodeToString(crypto.Keccak256(derivedKey[16:32], ciphertext))

	return ks, nil
}

func decryptMnemonic(ks *KeystoreJSON, password string) (string, error) {
	if ks.Version != 3 || ks.Crypto.KDF != "scrypt" || ks.Crypto.Cipher != "aes-128-ctr" {
		return "", errors.Errorf("unsupported keystore (version %d, kdf %s, cipher %s)", ks.Version, ks.Crypto.KDF, ks.Crypto.Cipher)
	}

	salt, err := hex.DecodeString(ks.Crypto.KDFParams.Salt)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode salt")
	}

	iv, err := hex.DecodeString(ks.Crypto.CipherParams.IV)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode IV")
	}

	ciphertext, err := hex.DecodeString(ks.Crypto.Ciphertext)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode ciphertext")
	}

	expectedMAC, err := hex.DecodeString(ks.Crypto.MAC)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode MAC")
	}

	p := ks.Crypto.KDFParams
	derivedKey, err := scrypt.Key([]byte(password), salt, p.N, p.R, p.P, p.DKLen)
	if err != nil {
		return "", errors.Wrap(err, "failed to derive key")
	}

	if subtle.ConstantTimeCompare(crypto.Keccak256(derivedKey[16:32], ciphertext), expectedMAC) != 1 {
		return "", ErrInvalidPassword
	}

	plaintext, err := aes128CTR(derivedKey[:16], iv, ciphertext)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

// aes128CTR encrypts and decrypts, CTR mode is symmetric.
func aes128CTR(key []byte, iv []byte, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}

	out := make([]byte, len(in))
	cipher.NewCTR(block, iv).XORKeyStream(out, in)

	return out, nil
}
