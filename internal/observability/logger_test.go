package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
		{"WARN", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger("keyaudit", tt.level, ProfileStructured)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.want-1))
			}
		})
	}
}

func TestNewLogger_Profiles(t *testing.T) {
	for _, profile := range []string{"STRUCTURED", "structured", "CONSOLE", ""} {
		_, err := NewLogger("keyaudit", "info", profile)
		assert.NoError(t, err, "profile=%q", profile)
	}

	_, err := NewLogger("keyaudit", "info", "xml")
	assert.Error(t, err)
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, err := NewLogger("keyaudit", "verbose", ProfileStructured)
	assert.Error(t, err)
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	CLILogger = zap.NewNop()
	require.NoError(t, InitCLILogger("keyaudit", "debug", ProfileConsole))
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	before := CLILogger
	assert.Error(t, InitCLILogger("keyaudit", "nope", ProfileConsole))
	assert.Same(t, before, CLILogger)
}
