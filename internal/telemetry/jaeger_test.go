package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJaeger(t *testing.T) {
	tp, shutdown, err := InitJaeger("notesync-test", "0.0.0", DefaultEndpoint, nil)
	require.NoError(t, err)
	require.NotNil(t, tp)

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	// Nothing listens on the endpoint; shutdown must still return.
	_ = shutdown(context.Background())
}
