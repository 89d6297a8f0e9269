package database

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// GetActiveCredentials retrieves the single active credential row for a
// (user, exchange, network, type) tuple, or nil when none exists.
func (r *Repository) GetActiveCredentials(ctx context.Context, userID int64, exchange, network, credType string) (*ExchangeCredentials, error) {
	query := `
		SELECT id, user_id, exchange, network, credential_type,
		       api_key_encrypted, secret_encrypted, passphrase_encrypted,
		       is_active, created_at
		FROM exchange_credentials
		WHERE user_id = $1 AND exchange = $2 AND network = $3
		  AND credential_type = $4 AND is_active
	`
	creds := &ExchangeCredentials{}
	err := r.db.Pool.QueryRow(ctx, query, userID, exchange, network, credType).Scan(
		&creds.ID, &creds.UserID, &creds.Exchange, &creds.Network,
		&creds.CredentialType, &creds.APIKeyEncrypted, &creds.SecretEncrypted,
		&creds.PassphraseEncrypted, &creds.IsActive, &creds.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return creds, nil
}
