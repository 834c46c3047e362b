package budget

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/process"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/subsystems"
)

func TestConsumeExhaustsSession(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), zaptest.NewLogger(t))
	tenant := uuid.New()

	sess, err := svc.Open(ctx, tenant, "planner", 1000, 0)
	require.NoError(t, err)

	_, err = svc.Consume(ctx, sess.ID, tenant, 10, 0)
	require.ErrorIs(t, err, subsystems.ErrIllegalTransition, "open sessions cannot spend")

	_, err = svc.Activate(ctx, sess.ID, tenant)
	require.NoError(t, err)

	sess, err = svc.Consume(ctx, sess.ID, tenant, 600, 0.12)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sess.Status)
	assert.Equal(t, 400, sess.Remaining())

	sess, err = svc.Consume(ctx, sess.ID, tenant, 500, 0.10)
	require.NoError(t, err)
	assert.Equal(t, StatusExhausted, sess.Status)
	assert.Equal(t, 0, sess.Remaining())

	status, _ := Table.Canonical(sess.Status)
	assert.Equal(t, process.StatusFailed, status)
}

func TestCostLimitExhausts(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), zaptest.NewLogger(t))
	tenant := uuid.New()

	sess, err := svc.Open(ctx, tenant, "researcher", 1_000_000, 1.0)
	require.NoError(t, err)
	_, err = svc.Activate(ctx, sess.ID, tenant)
	require.NoError(t, err)

	sess, err = svc.Consume(ctx, sess.ID, tenant, 10, 1.5)
	require.NoError(t, err)
	assert.Equal(t, StatusExhausted, sess.Status)
}

func TestOpenValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), zaptest.NewLogger(t))
	var ve *process.ValidationError

	_, err := svc.Open(context.Background(), uuid.New(), "", 10, 0)
	require.ErrorAs(t, err, &ve)
	_, err = svc.Open(context.Background(), uuid.New(), "a", 0, 0)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "token_limit", ve.Field)
}

func TestFrozenSessionCanBeClosed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, zaptest.NewLogger(t))
	adapter := NewAdapter(store, zaptest.NewLogger(t))
	tenant := uuid.New()

	sess, err := svc.Open(ctx, tenant, "planner", 100, 0)
	require.NoError(t, err)
	_, err = svc.Activate(ctx, sess.ID, tenant)
	require.NoError(t, err)

	entry, err := adapter.Apply(ctx, sess.ID, tenant, process.VerbPause)
	require.NoError(t, err)
	assert.Equal(t, process.StatusPaused, entry.Status)

	sess, err = svc.Close(ctx, sess.ID, tenant)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, sess.Status)

	_, err = adapter.Apply(ctx, sess.ID, tenant, process.VerbResume)
	var ist *process.InvalidStateTransitionError
	require.ErrorAs(t, err, &ist)
	assert.Equal(t, process.StatusCompleted, ist.Current)
}
