package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/helpme/helpme/pkg/apperr"
)

const (
	// TokenPrefix identifies HelpMe tokens
	TokenPrefix = "helpme_"
	// TokenLength is the total length of random bytes (32 bytes = 256 bits)
	TokenLength = 32
)

// TokenGenerator generates and validates API tokens
type TokenGenerator struct{}

// NewTokenGenerator creates a new token generator
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{}
}

// GenerateToken creates a new API token
// Format: helpme_<base64url(32 random bytes)>
func (tg *TokenGenerator) GenerateToken() (token string, tokenHash string, err error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	fullToken := TokenPrefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	return fullToken, tg.HashToken(fullToken), nil
}

// HashToken computes the SHA256 hash of a token for lookup
func (tg *TokenGenerator) HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks if a token has the correct format
func (tg *TokenGenerator) ValidateTokenFormat(token string) error {
	if !strings.HasPrefix(token, TokenPrefix) {
		return fmt.Errorf("token must start with %q", TokenPrefix)
	}

	encodedPart := strings.TrimPrefix(token, TokenPrefix)
	if len(encodedPart) == 0 {
		return fmt.Errorf("token is too short")
	}

	if _, err := base64.RawURLEncoding.DecodeString(encodedPart); err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}

	return nil
}

// TokenManager manages API token lifecycle against the api_tokens table
type TokenManager struct {
	db        *sql.DB
	generator *TokenGenerator
	now       func() time.Time
}

// NewTokenManager creates a new token manager
func NewTokenManager(db *sql.DB) *TokenManager {
	return &TokenManager{
		db:        db,
		generator: NewTokenGenerator(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateToken stores a new token for userID and returns the plaintext once
func (tm *TokenManager) CreateToken(ctx context.Context, userID int64, name string, expiresAt *time.Time) (*APIToken, string, error) {
	token, tokenHash, err := tm.generator.GenerateToken()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}

	apiToken := &APIToken{
		UserID:    userID,
		TokenHash: tokenHash,
		Name:      name,
		CreatedAt: tm.now(),
		ExpiresAt: expiresAt,
	}

	var expires interface{}
	if expiresAt != nil {
		expires = expiresAt.UTC()
	}

	err = tm.db.QueryRowContext(ctx, `
		INSERT INTO api_tokens (user_id, token_hash, name, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		userID, tokenHash, name, apiToken.CreatedAt, expires,
	).Scan(&apiToken.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to store token: %w", err)
	}

	return apiToken, token, nil
}

// ValidateToken resolves a bearer token to its user. Unknown, revoked and
// expired tokens all fail with an authentication error.
func (tm *TokenManager) ValidateToken(ctx context.Context, token string) (*AuthContext, error) {
	if err := tm.generator.ValidateTokenFormat(token); err != nil {
		return nil, apperr.E(apperr.Authentication, "auth.ValidateToken", "authentication required", err)
	}

	tokenHash := tm.generator.HashToken(token)

	var (
		apiToken  APIToken
		user      User
		expiresAt sql.NullTime
		revokedAt sql.NullTime
	)
	err := tm.db.QueryRowContext(ctx, `
		SELECT t.id, t.user_id, t.name, t.created_at, t.expires_at, t.revoked_at,
		       u.id, u.email, u.name, u.created_at
		FROM api_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.token_hash = $1`,
		tokenHash,
	).Scan(
		&apiToken.ID, &apiToken.UserID, &apiToken.Name, &apiToken.CreatedAt, &expiresAt, &revokedAt,
		&user.ID, &user.Email, &user.Name, &user.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Unauthenticated("auth.ValidateToken")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}

	now := tm.now()
	if revokedAt.Valid {
		return nil, apperr.Unauthenticated("auth.ValidateToken")
	}
	if expiresAt.Valid && !expiresAt.Time.After(now) {
		return nil, apperr.Unauthenticated("auth.ValidateToken")
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		apiToken.ExpiresAt = &t
	}
	apiToken.TokenHash = tokenHash

	if _, err := tm.db.ExecContext(ctx,
		"UPDATE api_tokens SET last_used_at = $1 WHERE id = $2", now, apiToken.ID,
	); err != nil {
		return nil, fmt.Errorf("failed to update token usage: %w", err)
	}
	apiToken.LastUsedAt = &now

	return &AuthContext{User: &user, Token: &apiToken}, nil
}

// RevokeToken revokes a token owned by userID
func (tm *TokenManager) RevokeToken(ctx context.Context, tokenID, userID int64) error {
	result, err := tm.db.ExecContext(ctx,
		"UPDATE api_tokens SET revoked_at = $1 WHERE id = $2 AND user_id = $3 AND revoked_at IS NULL",
		tm.now(), tokenID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperr.NotFoundf("auth.RevokeToken", "token %d", tokenID)
	}
	return nil
}
