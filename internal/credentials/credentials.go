// Package credentials decrypts stored exchange API keys and resolves which
// credential row an execution should trade with.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"tradebot-platform/internal/database"
	"tradebot-platform/internal/exchange"
	"tradebot-platform/internal/logging"
)

// Credential types, in resolution precedence order.
const (
	TypeDeveloperTesting     = "DEVELOPER_TESTING"
	TypeMarketplacePrincipal = "MARKETPLACE_PRINCIPAL"
	TypeUser                 = "USER"
)

var precedence = []string{TypeDeveloperTesting, TypeMarketplacePrincipal, TypeUser}

// ErrNoCredentials is returned when no active credential row matches the
// execution's (user, exchange, network).
var ErrNoCredentials = fmt.Errorf("no active credentials for this exchange and network")

// CredentialSource fetches active credential rows.
type CredentialSource interface {
	GetActiveCredentials(ctx context.Context, userID int64, exchange, network, credType string) (*database.ExchangeCredentials, error)
}

// Resolver decrypts credential rows with the process encryption key.
type Resolver struct {
	repo   CredentialSource
	aead   cipher.AEAD
	logger *logging.Logger
}

// NewResolver derives the AES-256-GCM key from the configured encryption
// key string.
func NewResolver(repo CredentialSource, encryptionKey string) (*Resolver, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("encryption key not configured")
	}
	sum := sha256.Sum256([]byte(encryptionKey))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("error initializing cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("error initializing gcm: %w", err)
	}
	return &Resolver{
		repo:   repo,
		aead:   aead,
		logger: logging.Default().WithComponent("credentials"),
	}, nil
}

// Encrypt seals a plaintext secret for storage: base64(nonce || ciphertext).
func (r *Resolver) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, r.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("error generating nonce: %w", err)
	}
	sealed := r.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored secret.
func (r *Resolver) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("error decoding credential: %w", err)
	}
	if len(raw) < r.aead.NonceSize() {
		return "", fmt.Errorf("credential ciphertext too short")
	}
	nonce, ciphertext := raw[:r.aead.NonceSize()], raw[r.aead.NonceSize():]
	plaintext, err := r.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("error decrypting credential: %w", err)
	}
	return string(plaintext), nil
}

// Resolve returns the decrypted credentials an execution should trade with,
// walking the precedence order DEVELOPER_TESTING, MARKETPLACE_PRINCIPAL,
// USER and taking the first active row. ErrNoCredentials when nothing
// matches.
func (r *Resolver) Resolve(ctx context.Context, userID int64, exchangeName, network string) (exchange.Credentials, string, error) {
	for _, credType := range precedence {
		row, err := r.repo.GetActiveCredentials(ctx, userID, exchangeName, network, credType)
		if err != nil {
			return exchange.Credentials{}, "", fmt.Errorf("error loading credentials: %w", err)
		}
		if row == nil {
			continue
		}

		creds, err := r.decryptRow(row)
		if err != nil {
			return exchange.Credentials{}, "", err
		}
		r.logger.Debug("credentials resolved",
			"user_id", userID, "exchange", exchangeName, "network", network, "type", credType)
		return creds, credType, nil
	}
	return exchange.Credentials{}, "", ErrNoCredentials
}

func (r *Resolver) decryptRow(row *database.ExchangeCredentials) (exchange.Credentials, error) {
	apiKey, err := r.Decrypt(row.APIKeyEncrypted)
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("credential row %d: %w", row.ID, err)
	}
	secret, err := r.Decrypt(row.SecretEncrypted)
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("credential row %d: %w", row.ID, err)
	}
	creds := exchange.Credentials{APIKey: apiKey, SecretKey: secret}
	if row.PassphraseEncrypted != nil && *row.PassphraseEncrypted != "" {
		passphrase, err := r.Decrypt(*row.PassphraseEncrypted)
		if err != nil {
			return exchange.Credentials{}, fmt.Errorf("credential row %d: %w", row.ID, err)
		}
		creds.Passphrase = passphrase
	}
	return creds, nil
}
