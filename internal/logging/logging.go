// Package logging sets up logrus for the importer and holds the helpers
// that keep log lines uniform across stages.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing to w in the given level and format
// ("text" or "json").
func New(w io.Writer, level, format string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(lvl)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		return nil, fmt.Errorf("log format %q: want text or json", format)
	}
	return log, nil
}

// LogSource logs a source file that was read.
func LogSource(log logrus.FieldLogger, source, descriptor string, rows int) {
	log.WithFields(logrus.Fields{
		"source":     source,
		"descriptor": descriptor,
		"rows":       rows,
	}).Info("source read")
}

// LogSourceError logs a source that was skipped and why.
func LogSourceError(log logrus.FieldLogger, source, stage string, err error) {
	log.WithFields(logrus.Fields{
		"source": source,
		"stage":  stage,
	}).WithError(err).Error("source skipped")
}

// LogTransform logs a wide-to-long transformation.
func LogTransform(log logrus.FieldLogger, source string, rows, facts, rejected int, d time.Duration) {
	log.WithFields(logrus.Fields{
		"source":      source,
		"rows":        rows,
		"facts":       facts,
		"rejected":    rejected,
		"duration_ms": d.Milliseconds(),
	}).Info("transformed")
}

// LogUpsert logs a completed fact load.
func LogUpsert(log logrus.FieldLogger, source, family string, written, rejected int, d time.Duration) {
	log.WithFields(logrus.Fields{
		"source":      source,
		"family":      family,
		"written":     written,
		"rejected":    rejected,
		"duration_ms": d.Milliseconds(),
	}).Info("upserted")
}

// LogState logs a pipeline state transition.
func LogState(log logrus.FieldLogger, state string) {
	log.WithField("state", state).Debug("state")
}
