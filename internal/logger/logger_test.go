package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		log, err := NewLogger(level, "json", "test-service")
		require.NoError(t, err, level)
		require.NotNil(t, log)
	}

	log, err := NewLogger("info", "console", "test-service")
	require.NoError(t, err)
	require.NotNil(t, log)
}

func TestNewLoggerInvalidInputs(t *testing.T) {
	_, err := NewLogger("verbose", "json", "test-service")
	assert.Error(t, err)

	_, err = NewLogger("info", "xml", "test-service")
	assert.Error(t, err)
}
