package multimodal

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/process"
)

func TestAdapterMapsPendingToRunning(t *testing.T) {
	e, _ := newTestEngine(t, NewStaticProvider("fast", nil, 0, FailNone, ""))
	adapter := NewAdapter(e)
	tenant := uuid.New()
	req := submit(t, e, tenant, SubmitInput{Modality: "document"})

	entry, err := adapter.Get(context.Background(), req.ID, tenant)
	require.NoError(t, err)
	assert.Equal(t, process.StatusRunning, entry.Status)
	assert.Equal(t, "pending", entry.NativeRef.Status)
	assert.Equal(t, process.KindMultimodal, entry.Kind)
	assert.Equal(t, "document", entry.Label)

	kind, ok := process.KindFromID(entry.ID)
	require.True(t, ok)
	assert.Equal(t, process.KindMultimodal, kind)
}

func TestAdapterPauseAndResumeUnsupported(t *testing.T) {
	e, _ := newTestEngine(t, NewStaticProvider("fast", nil, 0, FailNone, ""))
	adapter := NewAdapter(e)
	tenant := uuid.New()
	req := submit(t, e, tenant, SubmitInput{})

	for _, verb := range []process.Verb{process.VerbPause, process.VerbResume} {
		_, err := adapter.Apply(context.Background(), req.ID, tenant, verb)
		var ist *process.InvalidStateTransitionError
		require.ErrorAs(t, err, &ist, verb)
		assert.True(t, errors.Is(err, process.ErrUnsupported), verb)
	}

	stored, err := e.Get(context.Background(), req.ID, tenant)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestAdapterCancel(t *testing.T) {
	e, _ := newTestEngine(t, NewStaticProvider("fast", nil, 0, FailNone, ""))
	adapter := NewAdapter(e)
	tenant := uuid.New()
	req := submit(t, e, tenant, SubmitInput{})

	entry, err := adapter.Apply(context.Background(), req.ID, tenant, process.VerbCancel)
	require.NoError(t, err)
	assert.Equal(t, process.StatusCancelled, entry.Status)

	_, err = adapter.Apply(context.Background(), req.ID, tenant, process.VerbCancel)
	var ist *process.InvalidStateTransitionError
	require.ErrorAs(t, err, &ist)
	assert.Equal(t, process.StatusCancelled, ist.Current)

	_, err = adapter.Apply(context.Background(), req.ID, uuid.New(), process.VerbCancel)
	assert.True(t, process.IsNotFound(err))
}

func TestAdapterListIsTenantScoped(t *testing.T) {
	e, _ := newTestEngine(t, NewStaticProvider("fast", nil, 0, FailNone, ""))
	adapter := NewAdapter(e)
	a, b := uuid.New(), uuid.New()
	submit(t, e, a, SubmitInput{})
	submit(t, e, a, SubmitInput{})
	submit(t, e, b, SubmitInput{})

	entries, err := adapter.List(context.Background(), a)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Equal(t, a, entry.TenantID)
	}
}
