package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "gantry", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	config := &Config{
		Enabled: false,
	}

	p, err := New(context.Background(), config)
	require.NoError(t, err)
	require.NotNil(t, p)

	// A disabled provider still hands out usable tracer/meter.
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestDisabledProviderRecordsAreSafe(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()

	// None of these may panic on a disabled provider.
	p.RecordRequest(ctx, attribute.String("op", "x"))
	p.RecordError(ctx, errors.New("boom"))
	p.RecordDuration(ctx, 5*time.Millisecond)
	p.RecordDecision(ctx, "allow")
	p.RecordHydrationItem(ctx, "new", "ok")
	p.RecordLinks(ctx, "construction_lineitem", 3)
	p.RecordPromotion(ctx, "tool_router", "promoted")

	ctx2, done := p.TrackOperation(ctx, "pdp.evaluate")
	require.NotNil(t, ctx2)
	done(nil)

	_, done = p.TrackOperation(ctx, "hydration.run")
	done(errors.New("partial"))

	require.NoError(t, p.Shutdown(ctx))
}
