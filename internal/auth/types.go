package auth

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Scopes for authorization
const (
	ScopeOperationsRead    = "operations:read"
	ScopeOperationsControl = "operations:control"
	ScopeMultimodalRead    = "multimodal:read"
	ScopeMultimodalWrite   = "multimodal:write"
	ScopeMultimodalExecute = "multimodal:execute"
)

// AllScopes lists every scope the hub understands.
var AllScopes = []string{
	ScopeOperationsRead,
	ScopeOperationsControl,
	ScopeMultimodalRead,
	ScopeMultimodalWrite,
	ScopeMultimodalExecute,
}

// OperationClass names what a caller is trying to do. The policy maps
// each class to the scope it requires.
type OperationClass string

const (
	OpRead              OperationClass = "read"
	OpControl           OperationClass = "control"
	OpMultimodalRead    OperationClass = "multimodal.read"
	OpMultimodalWrite   OperationClass = "multimodal.write"
	OpMultimodalExecute OperationClass = "multimodal.execute"
)

// RequiredScope mirrors the required_scope table in authz.rego.
var RequiredScope = map[OperationClass]string{
	OpRead:              ScopeOperationsRead,
	OpControl:           ScopeOperationsControl,
	OpMultimodalRead:    ScopeMultimodalRead,
	OpMultimodalWrite:   ScopeMultimodalWrite,
	OpMultimodalExecute: ScopeMultimodalExecute,
}

// Fixed identities injected when skip_auth is on.
var (
	DevUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	DevTenantID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
)

// UserContext represents the authenticated context for a request
type UserContext struct {
	UserID    uuid.UUID `json:"user_id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Username  string    `json:"username"`
	Scopes    []string  `json:"scopes"`
	IsAPIKey  bool      `json:"is_api_key"`
	TokenType string    `json:"token_type"` // jwt, api_key or dev

	// ID of the API key (if IsAPIKey)
	APIKeyID uuid.UUID `json:"api_key_id,omitempty"`
}

// HasScope reports whether the user was granted scope.
func (u *UserContext) HasScope(scope string) bool {
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ScopeList is stored as one comma separated TEXT column so the same
// schema works on postgres and sqlite.
type ScopeList []string

// Scan implements sql.Scanner interface
func (s *ScopeList) Scan(value interface{}) error {
	var raw string
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into ScopeList", value)
	}
	var out ScopeList
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*s = out
	return nil
}

// Value implements driver.Valuer interface
func (s ScopeList) Value() (driver.Value, error) {
	return strings.Join(s, ","), nil
}

// APIKey represents an API key for programmatic access
type APIKey struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	KeyHash   string     `json:"-" db:"key_hash"`
	KeyPrefix string     `json:"key_prefix" db:"key_prefix"`
	TenantID  uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	Name      string     `json:"name" db:"name"`
	Scopes    ScopeList  `json:"scopes" db:"scopes"`
	LastUsed  *time.Time `json:"last_used,omitempty" db:"last_used"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	IsActive  bool       `json:"is_active" db:"is_active"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}
