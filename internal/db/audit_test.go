package db

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const insertAudit = `INSERT INTO control_audit (id, tenant_id, process_id, kind, verb, result, status, reason, requested_by, details, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	c := NewClient(sqlx.NewDb(raw, "postgres"), Config{Workers: 1}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = c.Close() })
	return c, mock
}

func TestSaveControlAudit(t *testing.T) {
	c, mock := newMockClient(t)
	tenant := uuid.New()
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	audit := &ControlAudit{
		TenantID:  tenant,
		ProcessID: "wfl_1",
		Kind:      "workflow",
		Verb:      "pause",
		Result:    "applied",
		Status:    "paused",
		Details:   JSONB{"native_status": "paused"},
		CreatedAt: at,
	}

	mock.ExpectExec(regexp.QuoteMeta(insertAudit)).
		WithArgs(sqlmock.AnyArg(), tenant.String(), "wfl_1", "workflow", "pause", "applied", "paused", "", "", `{"native_status":"paused"}`, at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, c.SaveControlAudit(context.Background(), audit))
	assert.NotEqual(t, uuid.Nil, audit.ID)

	mock.ExpectClose()
	require.NoError(t, c.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueControlAudit(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec(regexp.QuoteMeta(insertAudit)).WillReturnResult(sqlmock.NewResult(0, 1))

	done := make(chan error, 1)
	c.QueueControlAudit(&ControlAudit{TenantID: uuid.New(), ProcessID: "trc_1", Kind: "trace", Verb: "cancel", Result: "applied"}, func(err error) {
		done <- err
	})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("audit was not written")
	}

	mock.ExpectClose()
	require.NoError(t, c.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueAfterCloseWritesSynchronously(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectClose()
	require.NoError(t, c.Close())

	var got error
	called := false
	c.QueueControlAudit(&ControlAudit{ProcessID: "trc_1"}, func(err error) {
		called = true
		got = err
	})
	assert.True(t, called)
	// The connection is closed, so the write fails but is still attempted.
	assert.Error(t, got)
}

func TestListControlAudit(t *testing.T) {
	c, mock := newMockClient(t)
	tenant := uuid.New()
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "tenant_id", "process_id", "kind", "verb", "result", "status", "reason", "requested_by", "details", "created_at"}).
		AddRow(uuid.NewString(), tenant.String(), "bdg_1", "budget", "cancel", "applied", "cancelled", "over budget", "ops@example.com", `{"native_status":"revoked"}`, at)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, tenant_id, process_id, kind, verb, result, status, reason, requested_by, details, created_at FROM control_audit WHERE tenant_id = $1 AND process_id = $2 ORDER BY created_at DESC LIMIT $3`)).
		WithArgs(tenant.String(), "bdg_1", 50).
		WillReturnRows(rows)

	out, err := c.ListControlAudit(context.Background(), tenant, "bdg_1", 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "revoked", out[0].Details["native_status"])
	assert.Equal(t, tenant, out[0].TenantID)
}

func TestListControlAuditWholeTenant(t *testing.T) {
	c, mock := newMockClient(t)
	tenant := uuid.New()
	rows := sqlmock.NewRows([]string{"id", "tenant_id", "process_id", "kind", "verb", "result", "status", "reason", "requested_by", "details", "created_at"})
	mock.ExpectQuery(regexp.QuoteMeta(`FROM control_audit WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`)).
		WithArgs(tenant.String(), 10).
		WillReturnRows(rows)

	out, err := c.ListControlAudit(context.Background(), tenant, "", 10)
	require.NoError(t, err)
	assert.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS control_audit").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, c.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenValidatesConfig(t *testing.T) {
	logger := zaptest.NewLogger(t)
	_, err := Open(context.Background(), Config{DSN: "x"}, logger)
	assert.Error(t, err)
	_, err = Open(context.Background(), Config{Driver: "mysql", DSN: "x"}, logger)
	assert.Error(t, err)
	_, err = Open(context.Background(), Config{Driver: "postgres"}, logger)
	assert.Error(t, err)
}

func TestJSONB(t *testing.T) {
	var j JSONB
	require.NoError(t, j.Scan(`{"a":1}`))
	assert.Equal(t, float64(1), j["a"])
	require.NoError(t, j.Scan([]byte(`{"b":"x"}`)))
	assert.Equal(t, "x", j["b"])
	require.NoError(t, j.Scan(nil))
	assert.Nil(t, j)
	assert.Error(t, j.Scan(3))

	v, err := JSONB(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}
