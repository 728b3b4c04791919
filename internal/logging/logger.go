package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger
var transitionLogger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: false,
	})
	logger.SetLevel(logrus.InfoLevel)

	transitionLogger = logrus.New()
	transitionLogger.SetOutput(os.Stdout)
	transitionLogger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: false,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "time",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "transition_msg",
		},
	})
	transitionLogger.SetLevel(logrus.InfoLevel)
}

func GetLogger() *logrus.Logger {
	return logger
}

// GetTransitionLogger returns the logger reserved for operating-point
// transitions, so they can be filtered from general driver output.
func GetTransitionLogger() *logrus.Logger {
	return transitionLogger
}

func SetLogLevel(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(logLevel)
	return nil
}

func SetTransitionLogLevel(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	transitionLogger.SetLevel(logLevel)
	return nil
}

func SetFormatter(formatter logrus.Formatter) {
	logger.SetFormatter(formatter)
}
