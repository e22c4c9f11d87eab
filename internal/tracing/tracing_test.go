package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestNoopTelemetry(t *testing.T) {
	tel := New(nil, nil)
	ctx, span := tel.Start(context.Background(), "create", attribute.String("shm.name", "x"))
	assert.Equal(t, span, trace.SpanFromContext(ctx))
	assert.NotPanics(t, func() {
		tel.Finish(ctx, span, "create", errors.New("boom"), "name collision")
		tel.AddMapped(ctx, 4096)
		tel.AddMapped(ctx, -4096)
	})
}
