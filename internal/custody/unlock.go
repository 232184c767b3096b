package custody

import (
	"context"
	"fmt"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github/chapool/go-relay/internal/config"
	"golang.org/x/term"
)

const minPasswordLength = 8

// PasswordPrompt asks the operator for a secret.
type PasswordPrompt func(prompt string) (string, error)

// Unlock loads the seed at server startup. A configured mnemonic wins (development
// only), otherwise the keystore is decrypted, or created with a fresh mnemonic when
// missing. Passwords come from config or, if empty, from prompt.
func Unlock(ctx context.Context, cfg config.Custody, ks *FileKeystore, seeds *SeedManager, prompt PasswordPrompt) error {
	log := log.With().Str("component", "custody").Logger()

	if cfg.Mnemonic != "" {
		log.Warn().Msg("Using mnemonic from environment, do not do this in production")
		return seeds.Initialize(cfg.Mnemonic, "")
	}

	exists, err := ks.Exists()
	if err != nil {
		return err
	}

	if !exists {
		log.Info().Msg("Keystore not found. Generating new mnemonic...")

		password, err := newPassword(cfg, prompt)
		if err != nil {
			return err
		}

		mnemonic, err := NewMnemonic()
		if err != nil {
			return err
		}

		if err := ks.Create(ctx, mnemonic, password); err != nil {
			return errors.Wrap(err, "failed to create keystore")
		}

		return seeds.Initialize(mnemonic, "")
	}

	password := cfg.KeystorePassword
	if password == "" {
		if prompt == nil {
			return errors.New("keystore password required")
		}
		if password, err = prompt("Enter keystore password: "); err != nil {
			return errors.Wrap(err, "failed to read password")
		}
	}

	mnemonic, err := ks.Unlock(ctx, password)
	if err != nil {
		return errors.Wrap(err, "failed to decrypt keystore")
	}

	if err := seeds.Initialize(mnemonic, ""); err != nil {
		return errors.Wrap(err, "failed to initialize seed manager")
	}

	log.Info().Msg("Keystore unlocked")

	return nil
}

func newPassword(cfg config.Custody, prompt PasswordPrompt) (string, error) {
	password := cfg.KeystorePassword
	if password == "" {
		if prompt == nil {
			return "", errors.New("keystore password required")
		}

		var err error
		password, err = prompt(fmt.Sprintf("Enter password for keystore (min %d characters): ", minPasswordLength))
		if err != nil {
			return "", errors.Wrap(err, "failed to read password")
		}

		confirm, err := prompt("Confirm password: ")
		if err != nil {
			return "", errors.Wrap(err, "failed to read password confirmation")
		}

		if password != confirm {
			return "", errors.New("passwords do not match")
		}
	}

	if len(password) < minPasswordLength {
		return "", errors.Errorf("password must be at least %d characters", minPasswordLength)
	}

	return password, nil
}

// TerminalPrompt reads a password from the terminal without echoing it.
//
//nolint:forbidigo // Password input requires direct terminal I/O
func TerminalPrompt(prompt string) (string, error) {
	fmt.Print(prompt)

	password, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", errors.Wrap(err, "failed to read password from terminal")
	}

	fmt.Println()

	return string(password), nil
}
