package telemetry_test

import (
	"testing"

	"github.com/erp/dte/internal/infrastructure/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewProfiler_Disabled(t *testing.T) {
	p, err := telemetry.NewProfiler(telemetry.ProfilerConfig{Enabled: false}, zap.NewNop())
	require.NoError(t, err)

	assert.False(t, p.IsEnabled())
	assert.NoError(t, p.Stop())
	assert.NoError(t, p.Stop())
}

func TestNewProfiler_Validation(t *testing.T) {
	_, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:         true,
		ApplicationName: "dte-worker",
	}, zap.NewNop())
	assert.ErrorContains(t, err, "server address")

	_, err = telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:       true,
		ServerAddress: "http://localhost:4040",
	}, zap.NewNop())
	assert.ErrorContains(t, err, "application name")
}
