package logger

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// New builds the process logger. JSON output is for machine consumers; the
// text formatter is for humans at a terminal.
func New(jsonOutput bool, level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	if jsonOutput {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if lv, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lv)
	}
	return l
}
