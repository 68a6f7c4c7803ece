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
	require.Equal(t, "steward", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestNewProviderWithNilConfig(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestTrackOperation(t *testing.T) {
	p := Noop()
	ctx := context.Background()

	newCtx, finish := p.TrackOperation(ctx, "triage.pass", ItemOperation("sha256:abc", "send_email")...)
	require.NotNil(t, newCtx)
	finish(nil)

	_, finish = p.TrackOperation(ctx, "orchestrator.execute")
	finish(errors.New("executor timeout"))
}

func TestRecordMetricsDisabled(t *testing.T) {
	p := Noop()
	ctx := context.Background()

	// None of these may panic on a disabled provider.
	p.RecordTransition(ctx, "Approved", "Executing")
	p.RecordExecution(ctx, "mailer", "done", time.Second)
	require.NoError(t, p.Shutdown(ctx))
}

func TestExecutionOperation(t *testing.T) {
	attrs := ExecutionOperation("sha256:abc", "mailer", "send", 2)
	require.Len(t, attrs, 4)
	require.Equal(t, "steward.executor.id", string(attrs[1].Key))
	require.Equal(t, "mailer", attrs[1].Value.AsString())
	require.Equal(t, int64(2), attrs[3].Value.AsInt64())
}

func TestTrackOperationLeavesCallerAttrsAlone(t *testing.T) {
	attrs := make([]attribute.KeyValue, 1, 4)
	attrs[0] = attribute.String("k", "v")
	_, finish := Noop().TrackOperation(context.Background(), "triage.route", attrs...)
	finish(nil)
	require.Len(t, attrs, 1)
	require.Equal(t, attribute.String("k", "v"), attrs[:cap(attrs)][0])
	require.Equal(t, attribute.KeyValue{}, attrs[:2][1])
}

func TestSetSpanStatus(t *testing.T) {
	ctx, span := Noop().Tracer().Start(context.Background(), "test.span")
	SetSpanStatus(ctx, errors.New("test error"))
	SetSpanStatus(ctx, nil)
	span.End()
}
