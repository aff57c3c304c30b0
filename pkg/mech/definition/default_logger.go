package definition

import (
	"os"

	"github.com/sirupsen/logrus"
)

// The default logger used if the user does not provide its own
// implementation.
type DefaultLogger struct {
	logger *logrus.Entry
	debug  bool
}

func NewDefaultLogger(name string) *DefaultLogger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return &DefaultLogger{
		logger: logger.WithField("host", name),
		debug:  false,
	}
}

func (l *DefaultLogger) Info(v ...interface{}) {
	l.logger.Info(v...)
}

func (l *DefaultLogger) Infof(format string, v ...interface{}) {
	l.logger.Infof(format, v...)
}

func (l *DefaultLogger) Warn(v ...interface{}) {
	l.logger.Warn(v...)
}

func (l *DefaultLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warnf(format, v...)
}

func (l *DefaultLogger) Error(v ...interface{}) {
	l.logger.Error(v...)
}

func (l *DefaultLogger) Errorf(format string, v ...interface{}) {
	l.logger.Errorf(format, v...)
}

func (l *DefaultLogger) Debug(v ...interface{}) {
	l.logger.Debug(v...)
}

func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debugf(format, v...)
}

func (l *DefaultLogger) Fatal(v ...interface{}) {
	l.logger.Fatal(v...)
}

func (l *DefaultLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Fatalf(format, v...)
}

func (l *DefaultLogger) Panic(v ...interface{}) {
	l.logger.Panic(v...)
}

func (l *DefaultLogger) Panicf(format string, v ...interface{}) {
	l.logger.Panicf(format, v...)
}

// ToggleDebug switches the debug level on or off and reports the new
// state.
func (l *DefaultLogger) ToggleDebug(value bool) bool {
	l.debug = value
	if value {
		l.logger.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.logger.Logger.SetLevel(logrus.InfoLevel)
	}
	return l.debug
}
