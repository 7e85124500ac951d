package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/warden/internal/config"
	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  config.LoggerConfig
		wantErr bool
	}{
		{
			name: "valid json config",
			config: config.LoggerConfig{
				Level:  "debug",
				Format: "json",
			},
		},
		{
			name: "valid console config",
			config: config.LoggerConfig{
				Level:  "info",
				Format: "console",
			},
		},
		{
			name: "invalid level",
			config: config.LoggerConfig{
				Level:  "invalid",
				Format: "json",
			},
			wantErr: true,
		},
		{
			name:   "empty config uses defaults",
			config: config.LoggerConfig{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func TestStartOperation(t *testing.T) {
	logger, err := New(config.LoggerConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)

	ctx, span := logger.StartOperation(context.Background(), "test.operation",
		"key1", "value1",
	)
	assert.NotNil(t, ctx)
	assert.NotNil(t, span)

	logger.FinishOperation(ctx, span, "test.operation", time.Now(), errors.New("boom"))
}

func TestWithFields(t *testing.T) {
	logger, err := New(config.LoggerConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)

	fieldLogger := logger.WithComponent("probe").WithScanID("scan-1").WithTarget("http://api")
	assert.NotNil(t, fieldLogger)
	fieldLogger.Info("test from field logger")
}

func TestLogProbeAndFindings(t *testing.T) {
	logger := NewNop()
	ctx := context.Background()

	alice := &types.Identity{Name: "alice", Role: types.RoleUser}
	tc := &types.TestCase{
		Kind:     types.ProbeCrossIdentity,
		Identity: alice,
		Request:  types.ProbeRequest{Method: "GET", URL: "http://api/users/2"},
	}

	assert.NotPanics(t, func() {
		logger.LogProbe(ctx, &types.ProbeResult{TestCase: tc, StatusCode: 200})
		logger.LogProbe(ctx, &types.ProbeResult{TestCase: tc, Error: "timeout"})
		logger.LogVulnerability(ctx, &types.Vulnerability{Type: types.VulnBOLA, Severity: types.SeverityCritical})
		logger.LogViolation(ctx, &types.PolicyViolation{Rule: "r", Severity: types.SeverityLow})
	})
}

func TestContextRoundTrip(t *testing.T) {
	logger := NewNop().WithComponent("test")
	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestLoggerConcurrency(t *testing.T) {
	logger, err := New(config.LoggerConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func(id int) {
			logger.Infow("concurrent log", "goroutine", id)
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}
