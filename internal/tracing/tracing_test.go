package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseTraceparent(t *testing.T) {
	traceID, spanID, flags, ok := ParseTraceparent("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	require.True(t, ok)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", traceID)
	assert.Equal(t, "00f067aa0ba902b7", spanID)
	assert.Equal(t, byte(1), flags)

	for _, bad := range []string{"", "01-abc-def-01", "00-short-00f067aa0ba902b7-01", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-zz"} {
		_, _, _, ok := ParseTraceparent(bad)
		assert.False(t, ok, bad)
	}
}

func TestDisabledTracingIsNoop(t *testing.T) {
	shutdown, err := Initialize(Config{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	ctx, span := StartSpan(context.Background(), "noop")
	defer span.End()
	// The global provider is a no-op, so there is nothing to propagate.
	assert.Equal(t, "", W3CTraceparent(ctx))
}
