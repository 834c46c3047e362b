package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ErrInvalidAPIKey is returned for unknown, inactive or expired keys.
var ErrInvalidAPIKey = errors.New("invalid API key")

const apiKeySchema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id          TEXT PRIMARY KEY,
	key_hash    TEXT NOT NULL,
	key_prefix  TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	name        TEXT NOT NULL,
	scopes      TEXT NOT NULL DEFAULT '',
	last_used   TIMESTAMP NULL,
	expires_at  TIMESTAMP NULL,
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMP NOT NULL
)`

const apiKeyPrefixIndex = `CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys (key_prefix)`

// APIKeyStore validates and issues API keys kept in a SQL table.
type APIKeyStore struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewAPIKeyStore creates a store over db.
func NewAPIKeyStore(db *sqlx.DB, logger *zap.Logger) *APIKeyStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIKeyStore{db: db, logger: logger, now: time.Now}
}

// EnsureSchema creates the api_keys table when missing.
func (s *APIKeyStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, apiKeySchema); err != nil {
		return fmt.Errorf("failed to create api_keys table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, apiKeyPrefixIndex); err != nil {
		return fmt.Errorf("failed to create api_keys index: %w", err)
	}
	return nil
}

// ValidateAPIKey validates an API key and returns user context
func (s *APIKeyStore) ValidateAPIKey(ctx context.Context, apiKey string) (*UserContext, error) {
	if len(apiKey) < 8 {
		return nil, ErrInvalidAPIKey
	}
	keyPrefix := apiKey[:8]
	keyHash := hashToken(apiKey)

	var keys []APIKey
	query := s.db.Rebind(`SELECT id, key_hash, key_prefix, tenant_id, name, scopes, last_used, expires_at, is_active, created_at FROM api_keys WHERE key_prefix = ? AND is_active = ?`)
	if err := s.db.SelectContext(ctx, &keys, query, keyPrefix, true); err != nil {
		return nil, fmt.Errorf("failed to query API keys: %w", err)
	}

	var key *APIKey
	for i := range keys {
		if compareTokenHash(keys[i].KeyHash, keyHash) {
			key = &keys[i]
			break
		}
	}
	if key == nil {
		return nil, ErrInvalidAPIKey
	}
	now := s.now()
	if key.ExpiresAt != nil && key.ExpiresAt.Before(now) {
		return nil, fmt.Errorf("%w: expired", ErrInvalidAPIKey)
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE api_keys SET last_used = ? WHERE id = ?`), now, key.ID.String()); err != nil {
		s.logger.Warn("Failed to update API key last used", zap.Error(err))
	}

	return &UserContext{
		UserID:    key.ID,
		TenantID:  key.TenantID,
		Username:  key.Name,
		Scopes:    []string(key.Scopes),
		IsAPIKey:  true,
		TokenType: "api_key",
		APIKeyID:  key.ID,
	}, nil
}

// CreateAPIKey issues a key for tenantID. The plaintext key is returned
// once and only its hash is stored.
func (s *APIKeyStore) CreateAPIKey(ctx context.Context, tenantID uuid.UUID, name string, scopes []string, expiresAt *time.Time) (string, *APIKey, error) {
	if tenantID == uuid.Nil {
		return "", nil, fmt.Errorf("tenant is required")
	}
	apiKey, keyHash, keyPrefix, err := generateAPIKey()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate API key: %w", err)
	}
	if len(scopes) == 0 {
		scopes = []string{ScopeOperationsRead, ScopeMultimodalRead}
	}

	key := &APIKey{
		ID:        uuid.New(),
		KeyHash:   keyHash,
		KeyPrefix: keyPrefix,
		TenantID:  tenantID,
		Name:      name,
		Scopes:    scopes,
		ExpiresAt: expiresAt,
		IsActive:  true,
		CreatedAt: s.now(),
	}
	query := s.db.Rebind(`INSERT INTO api_keys (id, key_hash, key_prefix, tenant_id, name, scopes, expires_at, is_active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		key.ID.String(), key.KeyHash, key.KeyPrefix, key.TenantID.String(),
		key.Name, key.Scopes, key.ExpiresAt, key.IsActive, key.CreatedAt)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create API key: %w", err)
	}

	s.logger.Info("API key created successfully",
		zap.String("key_id", key.ID.String()),
		zap.String("tenant_id", tenantID.String()),
		zap.String("name", key.Name))
	return apiKey, key, nil
}

func generateAPIKey() (key, hash, prefix string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	key = "sk_" + hex.EncodeToString(b)
	hash = hashToken(key)
	prefix = key[:8]
	return key, hash, prefix, nil
}
