package service

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestIsVerboseLogging(t *testing.T) {
	tests := []struct {
		name     string
		verbose  bool
		expected bool
	}{
		{
			name:     "verbose enabled",
			verbose:  true,
			expected: true,
		},
		{
			name:     "verbose disabled",
			verbose:  false,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithVerboseLogging(context.Background(), tt.verbose)
			assert.Equal(t, tt.expected, IsVerboseLogging(ctx))
		})
	}

	t.Run("no verbose in context", func(t *testing.T) {
		assert.False(t, IsVerboseLogging(context.Background()))
	})
}

func captureLogger(level logrus.Level) (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return logger, &buf
}

func TestLogFields_MasksIdentifiers(t *testing.T) {
	logger, buf := captureLogger(logrus.InfoLevel)

	logFields(context.Background(), logger, logrus.Fields{
		LogFieldPeerID:    peerID,
		LogFieldMessageID: "message-0123456789",
	}).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.NotContains(t, output, peerID)
	assert.NotContains(t, output, "message-0123456789")
	assert.Contains(t, output, "23456789")
}

func TestLogFields_VerboseKeepsIdentifiers(t *testing.T) {
	t.Run("context flag", func(t *testing.T) {
		logger, buf := captureLogger(logrus.InfoLevel)
		ctx := WithVerboseLogging(context.Background(), true)
		logFields(ctx, logger, logrus.Fields{LogFieldPeerID: peerID}).Info("verbose")
		assert.Contains(t, buf.String(), peerID)
	})

	t.Run("trace level", func(t *testing.T) {
		logger, buf := captureLogger(logrus.TraceLevel)
		logFields(context.Background(), logger, logrus.Fields{LogFieldPeerID: peerID}).Info("trace")
		assert.Contains(t, buf.String(), peerID)
	})
}
