package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{SampleRatio: 2}.withDefaults()
	require.Equal(t, 1.0, cfg.SampleRatio)
	require.Equal(t, 10*time.Second, cfg.MetricInterval)

	cfg = Config{SampleRatio: 0.25, MetricInterval: time.Minute}.withDefaults()
	require.Equal(t, 0.25, cfg.SampleRatio)
	require.Equal(t, time.Minute, cfg.MetricInterval)
}

func TestGetMetrics(t *testing.T) {
	m := GetMetrics()
	require.NotNil(t, m.TokensIssuedTotal)
	require.NotNil(t, m.DispatchDuration)
	require.Same(t, m, GetMetrics())
}
