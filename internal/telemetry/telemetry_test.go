package telemetry

import (
	"context"
	"testing"

	"github.com/CodeMonkeyCybersecurity/warden/internal/config"
	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDisabledIsNoop(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)
	assert.IsType(t, &noopTelemetry{}, tel)

	tel.RecordScan(1.5, true, true)
	tel.RecordProbe(types.ProbeOwner, 200, false)
	tel.RecordFinding("vulnerability", types.SeverityHigh)
	assert.NoError(t, tel.Close())
}

func TestNewRejectsUnknownExporter(t *testing.T) {
	_, err := New(context.Background(), config.TelemetryConfig{
		Enabled:      true,
		ServiceName:  "warden",
		ExporterType: "zipkin",
		SampleRate:   1,
	})
	assert.ErrorContains(t, err, "unsupported exporter type")
}
