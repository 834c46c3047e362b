package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestEngine_DefaultPolicy(t *testing.T) {
	engine, err := NewEngine(Config{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	tenant := "7d0c5e1a-3c43-4a53-9d5b-0b6e1b8f2a11"

	tests := []struct {
		name     string
		input    Input
		expected bool
		reason   string
	}{
		{
			name:     "read_with_read_scope",
			input:    Input{Operation: "read", TenantID: tenant, Scopes: []string{"operations:read"}},
			expected: true,
			reason:   "scope granted",
		},
		{
			name:     "control_with_read_scope",
			input:    Input{Operation: "control", TenantID: tenant, Scopes: []string{"operations:read"}},
			expected: false,
			reason:   "scope operations:control required",
		},
		{
			name:     "execute_with_execute_scope",
			input:    Input{Operation: "multimodal.execute", TenantID: tenant, Scopes: []string{"multimodal:read", "multimodal:execute"}},
			expected: true,
			reason:   "scope granted",
		},
		{
			name:     "missing_tenant",
			input:    Input{Operation: "read", Scopes: []string{"operations:read"}},
			expected: false,
			reason:   "missing tenant context",
		},
		{
			name:     "nil_tenant",
			input:    Input{Operation: "read", TenantID: "00000000-0000-0000-0000-000000000000", Scopes: []string{"operations:read"}},
			expected: false,
			reason:   "missing tenant context",
		},
		{
			name:     "no_scopes",
			input:    Input{Operation: "read", TenantID: tenant},
			expected: false,
			reason:   "scope operations:read required",
		},
		{
			name:     "unknown_operation",
			input:    Input{Operation: "delete", TenantID: tenant, Scopes: []string{"operations:read", "operations:control"}},
			expected: false,
			reason:   "unknown operation",
		},
		{
			name:     "wildcard_scope_is_not_special",
			input:    Input{Operation: "control", TenantID: tenant, Scopes: []string{"*"}},
			expected: false,
			reason:   "scope operations:control required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := engine.Evaluate(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if d.Allow != tt.expected {
				t.Errorf("Expected allow=%v, got %v (reason: %s)", tt.expected, d.Allow, d.Reason)
			}
			if d.Reason != tt.reason {
				t.Errorf("Expected reason %q, got %q", tt.reason, d.Reason)
			}
		})
	}
}

func TestEngine_Cache(t *testing.T) {
	engine, err := NewEngine(Config{CacheTTL: time.Minute}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	in := Input{Operation: "read", TenantID: "t-1", Scopes: []string{"b", "operations:read"}}
	for i := 0; i < 3; i++ {
		if _, err := engine.Evaluate(context.Background(), in); err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
	}
	// Scope order does not change the key.
	in.Scopes = []string{"operations:read", "b"}
	if _, err := engine.Evaluate(context.Background(), in); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	hits, misses := engine.cache.Stats()
	if hits != 3 || misses != 1 {
		t.Errorf("Expected 3 hits and 1 miss, got %d and %d", hits, misses)
	}
}

func TestEngine_CustomPolicyDirectory(t *testing.T) {
	dir := t.TempDir()
	custom := `package opshub.authz

import rego.v1

default decision := {"allow": false, "reason": "read only deployment"}

decision := {"allow": true, "reason": "reads allowed"} if input.operation == "read"
`
	if err := os.WriteFile(filepath.Join(dir, "readonly.rego"), []byte(custom), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	engine, err := NewEngine(Config{Path: dir}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	d, err := engine.Evaluate(context.Background(), Input{Operation: "control", TenantID: "t"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Allow || d.Reason != "read only deployment" {
		t.Errorf("Unexpected decision %+v", d)
	}
}

func TestEngine_LoadFailures(t *testing.T) {
	if _, err := NewEngine(Config{Path: t.TempDir()}, zaptest.NewLogger(t)); err == nil {
		t.Error("Expected error for a directory without policies")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package opshub.authz\n\ndecision := {"), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	if _, err := NewEngine(Config{Path: dir}, zaptest.NewLogger(t)); err == nil {
		t.Error("Expected compile error")
	}
}

func TestEngine_MalformedDecisionFailsClosed(t *testing.T) {
	dir := t.TempDir()
	bad := "package opshub.authz\n\ndecision := \"yes\"\n"
	if err := os.WriteFile(filepath.Join(dir, "bad.rego"), []byte(bad), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	engine, err := NewEngine(Config{Path: dir}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	d, err := engine.Evaluate(context.Background(), Input{Operation: "read", TenantID: "t"})
	if err == nil {
		t.Error("Expected error for a non-object decision")
	}
	if d.Allow {
		t.Error("Malformed decision must deny")
	}
}

func TestDecisionCacheEviction(t *testing.T) {
	c := newDecisionCache(2, time.Minute)
	c.Set(Input{Operation: "a"}, Decision{Allow: true})
	c.Set(Input{Operation: "b"}, Decision{Allow: true})
	c.Set(Input{Operation: "c"}, Decision{Allow: true})
	if _, ok := c.Get(Input{Operation: "a"}); ok {
		t.Error("Expected LRU entry to be evicted")
	}
	if _, ok := c.Get(Input{Operation: "c"}); !ok {
		t.Error("Expected newest entry to be cached")
	}
}

func TestPolicyVersionStable(t *testing.T) {
	a := policyVersion(map[string]string{"x": "1", "y": "2"})
	b := policyVersion(map[string]string{"y": "2", "x": "1"})
	if a != b || len(a) != 12 {
		t.Errorf("Unexpected versions %q %q", a, b)
	}
}
