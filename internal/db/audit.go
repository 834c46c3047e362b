package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const controlAuditSchema = `
CREATE TABLE IF NOT EXISTS control_audit (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	process_id   TEXT NOT NULL,
	kind         TEXT NOT NULL,
	verb         TEXT NOT NULL,
	result       TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	requested_by TEXT NOT NULL DEFAULT '',
	details      TEXT NULL,
	created_at   TIMESTAMP NOT NULL
)`

// EnsureSchema creates the tables this package writes to.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, controlAuditSchema); err != nil {
		return fmt.Errorf("failed to create control_audit table: %w", err)
	}
	return nil
}

// SaveControlAudit saves a control audit entry
func (c *Client) SaveControlAudit(ctx context.Context, audit *ControlAudit) error {
	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}

	query := c.db.Rebind(`INSERT INTO control_audit (id, tenant_id, process_id, kind, verb, result, status, reason, requested_by, details, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := c.db.ExecContext(ctx, query,
		audit.ID.String(), audit.TenantID.String(), audit.ProcessID, audit.Kind, audit.Verb,
		audit.Result, audit.Status, audit.Reason, audit.RequestedBy, audit.Details, audit.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save control audit: %w", err)
	}
	return nil
}

// ListControlAudit returns the newest audit entries for a tenant,
// optionally narrowed to one process.
func (c *Client) ListControlAudit(ctx context.Context, tenantID uuid.UUID, processID string, limit int) ([]ControlAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	// An empty processID lists the tenant's whole trail.
	where := "tenant_id = ?"
	args := []interface{}{tenantID.String()}
	if processID != "" {
		where += " AND process_id = ?"
		args = append(args, processID)
	}
	args = append(args, limit)

	var out []ControlAudit
	query := c.db.Rebind(`SELECT id, tenant_id, process_id, kind, verb, result, status, reason, requested_by, details, created_at FROM control_audit WHERE ` + where + ` ORDER BY created_at DESC LIMIT ?`)
	if err := c.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list control audit: %w", err)
	}
	return out, nil
}
