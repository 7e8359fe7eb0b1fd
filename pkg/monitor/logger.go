package monitor

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns the text logger used by the monitor. Debug mode only
// changes verbosity.
func NewLogger(debug bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	setDebug(logger, debug)
	return logger
}

func setDebug(logger *logrus.Logger, debug bool) {
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
}
