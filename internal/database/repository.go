package database

import (
	"context"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// USERS
// ============================================================================

// GetUserByID retrieves a user by internal id
func (r *Repository) GetUserByID(ctx context.Context, id int64) (*User, error) {
	query := `
		SELECT id, external_principal, email, is_active, created_at
		FROM users
		WHERE id = $1
	`
	user := &User{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.ExternalPrincipal, &user.Email, &user.IsActive, &user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByPrincipal retrieves a user by external principal string
func (r *Repository) GetUserByPrincipal(ctx context.Context, principal string) (*User, error) {
	query := `
		SELECT id, external_principal, email, is_active, created_at
		FROM users
		WHERE external_principal = $1
	`
	user := &User{}
	err := r.db.Pool.QueryRow(ctx, query, principal).Scan(
		&user.ID, &user.ExternalPrincipal, &user.Email, &user.IsActive, &user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}
