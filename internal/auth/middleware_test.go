package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type staticKeys map[string]*UserContext

func (s staticKeys) ValidateAPIKey(_ context.Context, key string) (*UserContext, error) {
	if u, ok := s[key]; ok {
		return u, nil
	}
	return nil, ErrInvalidAPIKey
}

func echoUser(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		require.True(t, ok)
		_ = json.NewEncoder(w).Encode(user)
	})
}

func TestHTTPMiddleware(t *testing.T) {
	jwtm := NewJWTManager("secret", "", time.Minute)
	tenant := uuid.New()
	token, err := jwtm.GenerateToken(uuid.New(), tenant, "ops", []string{ScopeOperationsRead})
	require.NoError(t, err)
	keyUser := &UserContext{TenantID: uuid.New(), Scopes: []string{ScopeMultimodalRead}, IsAPIKey: true}

	m := NewMiddleware(staticKeys{"sk_validkey": keyUser}, jwtm, false, zaptest.NewLogger(t))
	h := m.HTTPMiddleware(echoUser(t))

	tests := []struct {
		name       string
		path       string
		header     map[string]string
		wantStatus int
		wantTenant uuid.UUID
	}{
		{name: "bearer", path: "/v1/operations/hub", header: map[string]string{"Authorization": "Bearer " + token}, wantStatus: 200, wantTenant: tenant},
		{name: "api key", path: "/v1/operations/hub", header: map[string]string{"X-API-Key": "sk_validkey"}, wantStatus: 200, wantTenant: keyUser.TenantID},
		{name: "stream query key", path: "/v1/operations/stream?api_key=sk_validkey", wantStatus: 200, wantTenant: keyUser.TenantID},
		{name: "query key elsewhere", path: "/v1/operations/hub?api_key=sk_validkey", wantStatus: 401},
		{name: "missing", path: "/v1/operations/hub", wantStatus: 401},
		{name: "bad key", path: "/v1/operations/hub", header: map[string]string{"X-API-Key": "sk_nope"}, wantStatus: 401},
		{name: "bad bearer", path: "/v1/operations/hub", header: map[string]string{"Authorization": "Bearer garbage"}, wantStatus: 401},
		{name: "basic", path: "/v1/operations/hub", header: map[string]string{"Authorization": "Basic Zm9vOmJhcg=="}, wantStatus: 401},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != 200 {
				var body map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, "unauthenticated", body["error"])
				return
			}
			var got UserContext
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.wantTenant, got.TenantID)
		})
	}
}

func TestHTTPMiddlewareSkipAuth(t *testing.T) {
	m := NewMiddleware(nil, nil, true, zaptest.NewLogger(t))
	rec := httptest.NewRecorder()
	m.HTTPMiddleware(echoUser(t)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/operations/hub", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got UserContext
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, DevTenantID, got.TenantID)
	assert.ElementsMatch(t, AllScopes, got.Scopes)
}

func TestHTTPMiddlewareWithoutKeyStore(t *testing.T) {
	m := NewMiddleware(nil, nil, false, zaptest.NewLogger(t))
	req := httptest.NewRequest(http.MethodGet, "/v1/operations/hub", nil)
	req.Header.Set("X-API-Key", "sk_whatever")
	rec := httptest.NewRecorder()
	m.HTTPMiddleware(echoUser(t)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
