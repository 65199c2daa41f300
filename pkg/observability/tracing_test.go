package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracerProviderExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider("planrunner-test", "test", &buf)
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "step.wait")
	span.SetAttributes(AttrStepID.String("s1"), AttrStepKind.String("wait"))
	AddEvent(ctx, "retry", AttrAttempt.Int(1))
	span.End()

	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "step.wait")
	assert.Contains(t, buf.String(), "planrunner.step.id")
}

func TestNilProviderShutdown(t *testing.T) {
	var tp *TracerProvider
	assert.NoError(t, tp.Shutdown(context.Background()))
}
