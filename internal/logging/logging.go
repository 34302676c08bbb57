// Package logging wires the process-wide structured logger. It mirrors
// the teacher's logrus.New()+JSONFormatter convention (see
// tosin2013-dagger-autofix's main.go and cli.go) but centralizes it so
// every component shares one logger instance.
package logging

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

// New builds the application logger. level is a logrus level name
// ("debug", "info", "warn", "error"); an empty or invalid value
// defaults to info.
func New(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

// WithCorrelation returns an entry tagged with the triage correlation
// id format used throughout the pipeline: triage_<issue>_<unix_ts>.
func WithCorrelation(logger *logrus.Logger, correlationID string) *logrus.Entry {
	return logger.WithField("correlation_id", correlationID)
}

// CorrelationID builds the spec-mandated id for issueID at unix time ts.
func CorrelationID(issueID string, ts int64) string {
	return "triage_" + issueID + "_" + strconv.FormatInt(ts, 10)
}
