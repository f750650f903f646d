package errors

import (
	"github.com/sirupsen/logrus"
)

// LogFields returns the code, retry flag and attached fields of the
// AppError in err's chain. Plain errors yield nil.
func LogFields(err error) logrus.Fields {
	appErr, ok := asApp(err)
	if !ok {
		return nil
	}
	fields := make(logrus.Fields, len(appErr.Fields)+2)
	for k, v := range appErr.Fields {
		fields[k] = v
	}
	fields["error_code"] = appErr.Code
	fields["retryable"] = appErr.Retryable
	return fields
}

// Log writes err with its structured fields plus extra. Retryable errors
// are logged at warn, everything else at error.
func Log(logger *logrus.Logger, err error, msg string, extra logrus.Fields) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithError(err).WithFields(LogFields(err)).WithFields(extra)
	if IsRetryable(err) {
		entry.Warn(msg)
		return
	}
	entry.Error(msg)
}
