package telemetry

import (
	"context"
	"testing"

	"github.com/memodb-io/pokersync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMembershipMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	require.NoError(t, InitMembershipMetrics())

	ctx := context.Background()
	RecordSessionCreated(ctx)
	RecordParticipantJoined(ctx)
	RecordParticipantJoined(ctx)
	RecordCreationFailure(ctx, "creation_failed")
	RecordEventApplied(ctx, "insert")
	WatcherOpened(ctx)
	WatcherOpened(ctx)
	WatcherClosed(ctx)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}

	assert.Equal(t, int64(1), sums["membership.sessions.created"])
	assert.Equal(t, int64(2), sums["membership.participants.joined"])
	assert.Equal(t, int64(1), sums["membership.creation.failures"])
	assert.Equal(t, int64(1), sums["membership.events.applied"])
	assert.Equal(t, int64(1), sums["membership.watchers.active"])
}

func TestSetupDisabled(t *testing.T) {
	tp, err := SetupTracing(disabledConfig())
	assert.NoError(t, err)
	assert.Nil(t, tp)

	mp, err := SetupMetrics(disabledConfig())
	assert.NoError(t, err)
	assert.Nil(t, mp)

	assert.NoError(t, Shutdown(context.Background()))
	assert.NoError(t, ShutdownMetrics(context.Background()))
}

func disabledConfig() *config.Config {
	return &config.Config{App: config.AppCfg{Name: "pokersync-test"}}
}
