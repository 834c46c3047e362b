package trace

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

func TestTraceLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), zaptest.NewLogger(t))
	tenant := uuid.New()

	tr, err := svc.Start(ctx, tenant, "  checkout  ", "gateway")
	require.NoError(t, err)
	assert.Equal(t, "checkout", tr.Name)
	assert.Equal(t, StatusQueued, tr.Status)
	kind, ok := process.KindFromID(tr.ID)
	require.True(t, ok)
	assert.Equal(t, process.KindTrace, kind)

	_, err = svc.RecordSpan(ctx, tr.ID, tenant)
	require.ErrorIs(t, err, subsystems.ErrIllegalTransition, "queued traces collect no spans")

	_, err = svc.MarkRunning(ctx, tr.ID, tenant)
	require.NoError(t, err)
	for range 3 {
		_, err = svc.RecordSpan(ctx, tr.ID, tenant)
		require.NoError(t, err)
	}

	tr, err = svc.Finish(ctx, tr.ID, tenant, "")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, tr.Status)
	assert.Equal(t, 3, tr.SpanCount)

	_, err = svc.Finish(ctx, tr.ID, tenant, "")
	require.ErrorIs(t, err, subsystems.ErrIllegalTransition)
}

func TestFinishWithErrorMarksErrored(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), zaptest.NewLogger(t))
	tenant := uuid.New()

	tr, err := svc.Start(ctx, tenant, "backfill", "")
	require.NoError(t, err)
	_, err = svc.MarkRunning(ctx, tr.ID, tenant)
	require.NoError(t, err)

	tr, err = svc.Finish(ctx, tr.ID, tenant, "upstream 502")
	require.NoError(t, err)
	assert.Equal(t, StatusErrored, tr.Status)
	assert.Equal(t, "upstream 502", tr.Error)

	status, ok := Table.Canonical(tr.Status)
	require.True(t, ok)
	assert.Equal(t, process.StatusFailed, status)
}

func TestStartRequiresName(t *testing.T) {
	svc := NewService(NewMemoryStore(), zaptest.NewLogger(t))
	_, err := svc.Start(context.Background(), uuid.New(), "   ", "x")
	var ve *process.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "name", ve.Field)
}

func TestAdapterPauseSuspendsSpanCollection(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, zaptest.NewLogger(t))
	adapter := NewAdapter(store, zaptest.NewLogger(t))
	tenant := uuid.New()

	tr, err := svc.Start(ctx, tenant, "planner", "agent")
	require.NoError(t, err)
	_, err = svc.MarkRunning(ctx, tr.ID, tenant)
	require.NoError(t, err)

	entry, err := adapter.Apply(ctx, tr.ID, tenant, process.VerbPause)
	require.NoError(t, err)
	assert.Equal(t, process.StatusPaused, entry.Status)
	assert.Equal(t, StatusSuspended, entry.NativeRef.Status)
	assert.Equal(t, "planner", entry.Label)

	got, err := svc.Get(ctx, tr.ID, tenant)
	require.NoError(t, err)
	require.NotNil(t, got.SuspendedAt)

	_, err = svc.RecordSpan(ctx, tr.ID, tenant)
	require.ErrorIs(t, err, subsystems.ErrIllegalTransition)

	entry, err = adapter.Apply(ctx, tr.ID, tenant, process.VerbResume)
	require.NoError(t, err)
	assert.Equal(t, process.StatusRunning, entry.Status)
	got, err = svc.Get(ctx, tr.ID, tenant)
	require.NoError(t, err)
	assert.Nil(t, got.SuspendedAt)

	entry, err = adapter.Apply(ctx, tr.ID, tenant, process.VerbCancel)
	require.NoError(t, err)
	assert.Equal(t, process.StatusCancelled, entry.Status)
	assert.Equal(t, StatusAborted, entry.NativeRef.Status)
}

func TestAdapterIsTenantScoped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, zaptest.NewLogger(t))
	adapter := NewAdapter(store, zaptest.NewLogger(t))
	owner, other := uuid.New(), uuid.New()

	tr, err := svc.Start(ctx, owner, "owned", "")
	require.NoError(t, err)

	entries, err := adapter.List(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = adapter.Get(ctx, tr.ID, other)
	assert.True(t, process.IsNotFound(err))

	_, err = adapter.Apply(ctx, tr.ID, other, process.VerbCancel)
	assert.True(t, process.IsNotFound(err))
}
