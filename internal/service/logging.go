package service

import (
	"context"

	"sessionchat/internal/privacy"

	"github.com/sirupsen/logrus"
)

type verboseKey struct{}

// WithVerboseLogging marks ctx so identifiers are logged unmasked.
func WithVerboseLogging(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, verboseKey{}, verbose)
}

// IsVerboseLogging reports whether ctx was marked by WithVerboseLogging.
func IsVerboseLogging(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	verbose, _ := ctx.Value(verboseKey{}).(bool)
	return verbose
}

// logFields returns an entry whose identifier fields are masked unless the
// logger runs at trace level or ctx asks for verbose logging.
func logFields(ctx context.Context, logger *logrus.Logger, fields logrus.Fields) *logrus.Entry {
	if logger.IsLevelEnabled(logrus.TraceLevel) || IsVerboseLogging(ctx) {
		return logger.WithFields(fields)
	}
	return logger.WithFields(logrus.Fields(privacy.MaskSensitiveFields(fields)))
}
