// Package report writes the per-batch and cross-batch artifacts of a run:
// the batch log, the intensity histogram, the normalized tile archive and the
// summary table.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// LogTimestampFormat renders as 10/14/2026 03:04:05 PM
const LogTimestampFormat = "01/02/2006 03:04:05 PM"

// BatchLog is a logger scoped to one WSI batch. It owns its log file and must
// be closed when the batch ends. Warnings and errors are also forwarded to the
// parent logger, if any.
type BatchLog struct {
	*logrus.Entry

	file *os.File
}

// OpenBatchLog creates (or truncates) the log file at path
func OpenBatchLog(path, slide string, parent *logrus.Logger) (*BatchLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch log: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(file)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: LogTimestampFormat,
		DisableColors:   true,
	})
	if parent != nil {
		logger.AddHook(&forwardHook{parent: parent})
	}

	return &BatchLog{
		Entry: logger.WithField("slide", slide),
		file:  file,
	}, nil
}

// Path returns the location of the log file
func (b *BatchLog) Path() string {
	return b.file.Name()
}

// Close flushes and closes the log file. Further logging is discarded.
func (b *BatchLog) Close() error {
	b.Logger.SetOutput(io.Discard)
	b.Logger.ReplaceHooks(make(logrus.LevelHooks))
	return b.file.Close()
}

// forwardHook copies warnings and errors to the process-wide logger
type forwardHook struct {
	parent *logrus.Logger
}

func (h *forwardHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.ErrorLevel, logrus.WarnLevel}
}

func (h *forwardHook) Fire(entry *logrus.Entry) error {
	h.parent.WithFields(entry.Data).Log(entry.Level, entry.Message)
	return nil
}
