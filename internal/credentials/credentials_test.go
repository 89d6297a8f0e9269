package credentials

import (
	"context"
	"errors"
	"testing"

	"tradebot-platform/internal/database"
)

type fakeCredSource struct {
	rows map[string]*database.ExchangeCredentials // keyed by credential type
}

func (f *fakeCredSource) GetActiveCredentials(ctx context.Context, userID int64, exchange, network, credType string) (*database.ExchangeCredentials, error) {
	return f.rows[credType], nil
}

func newTestResolver(t *testing.T, source CredentialSource) *Resolver {
	t.Helper()
	r, err := NewResolver(source, "unit-test-encryption-key")
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func (r *Resolver) mustEncrypt(t *testing.T, plaintext string) string {
	t.Helper()
	s, err := r.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return s
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	r := newTestResolver(t, nil)

	sealed := r.mustEncrypt(t, "api-key-123")
	got, err := r.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "api-key-123" {
		t.Errorf("round trip = %q", got)
	}

	// Random nonces: two seals of the same plaintext differ.
	if r.mustEncrypt(t, "api-key-123") == sealed {
		t.Error("expected distinct ciphertexts")
	}

	// Tampered ciphertext fails authentication.
	if _, err := r.Decrypt(sealed[:len(sealed)-4] + "AAAA"); err == nil {
		t.Error("expected error for tampered ciphertext")
	}

	// A different key cannot open it.
	other, _ := NewResolver(nil, "some-other-key")
	if _, err := other.Decrypt(sealed); err == nil {
		t.Error("expected error decrypting with wrong key")
	}
}

func TestResolvePrecedence(t *testing.T) {
	source := &fakeCredSource{rows: map[string]*database.ExchangeCredentials{}}
	r := newTestResolver(t, source)

	row := func(id int64, key string) *database.ExchangeCredentials {
		return &database.ExchangeCredentials{
			ID:              id,
			APIKeyEncrypted: r.mustEncrypt(t, key),
			SecretEncrypted: r.mustEncrypt(t, "secret-"+key),
		}
	}

	source.rows[TypeUser] = row(1, "user-key")
	creds, credType, err := r.Resolve(context.Background(), 42, "binance", "MAINNET")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if credType != TypeUser || creds.APIKey != "user-key" {
		t.Errorf("got %s / %s, want USER / user-key", credType, creds.APIKey)
	}

	// A marketplace row outranks the user row.
	source.rows[TypeMarketplacePrincipal] = row(2, "principal-key")
	creds, credType, _ = r.Resolve(context.Background(), 42, "binance", "MAINNET")
	if credType != TypeMarketplacePrincipal || creds.APIKey != "principal-key" {
		t.Errorf("got %s / %s, want MARKETPLACE_PRINCIPAL", credType, creds.APIKey)
	}

	// Developer testing outranks everything.
	source.rows[TypeDeveloperTesting] = row(3, "dev-key")
	_, credType, _ = r.Resolve(context.Background(), 42, "binance", "MAINNET")
	if credType != TypeDeveloperTesting {
		t.Errorf("got %s, want DEVELOPER_TESTING", credType)
	}
}

func TestResolveNoCredentials(t *testing.T) {
	r := newTestResolver(t, &fakeCredSource{rows: map[string]*database.ExchangeCredentials{}})
	_, _, err := r.Resolve(context.Background(), 42, "binance", "MAINNET")
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials", err)
	}
}

func TestResolvePassphrase(t *testing.T) {
	source := &fakeCredSource{rows: map[string]*database.ExchangeCredentials{}}
	r := newTestResolver(t, source)

	pass := r.mustEncrypt(t, "okx-passphrase")
	source.rows[TypeUser] = &database.ExchangeCredentials{
		APIKeyEncrypted:     r.mustEncrypt(t, "k"),
		SecretEncrypted:     r.mustEncrypt(t, "s"),
		PassphraseEncrypted: &pass,
	}

	creds, _, err := r.Resolve(context.Background(), 1, "okx", "MAINNET")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if creds.Passphrase != "okx-passphrase" {
		t.Errorf("passphrase = %q", creds.Passphrase)
	}
}
