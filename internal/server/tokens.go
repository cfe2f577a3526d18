package server

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// TokenRepo resolves bearer tokens issued by the authentication flow.
// Token issuance itself (magic link / one-time code) happens outside
// this subsystem; rows land in auth_tokens when the identity provider
// completes a sign-in.
type TokenRepo struct {
	db *sql.DB
}

func NewTokenRepo(db *sql.DB) *TokenRepo {
	return &TokenRepo{db: db}
}

func (r *TokenRepo) ResolveToken(ctx context.Context, token string) (string, error) {
	var userID string
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id FROM auth_tokens WHERE token = ?
	`, token).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

// Insert registers a token for a user. Used by the identity-provider
// integration and by tests.
func (r *TokenRepo) Insert(ctx context.Context, token, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (token, user_id, created_at) VALUES (?, ?, ?)
	`, token, userID, time.Now().UTC())
	return err
}
