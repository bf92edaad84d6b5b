package log

import (
	"github.com/sirupsen/logrus"
)

var Log = logrus.New()

func AddHook(hook logrus.Hook) {
	Log.AddHook(hook)
}

func Debug(args ...interface{}) {
	Log.Debug(args...)
}

func Debugf(format string, args ...interface{}) {
	Log.Debugf(format, args...)
}

func Error(args ...interface{}) {
	Log.Error(args...)
}

func Errorf(format string, args ...interface{}) {
	Log.Errorf(format, args...)
}

func Info(args ...interface{}) {
	Log.Info(args...)
}

func Infof(format string, args ...interface{}) {
	Log.Infof(format, args...)
}

func Warn(args ...interface{}) {
	Log.Warn(args...)
}

func Warnf(format string, args ...interface{}) {
	Log.Warnf(format, args...)
}

// WithHost scopes a log entry to a machine hostname, the field used
// throughout placement/ and autoscale/ to correlate log lines with a
// specific MachineState.
func WithHost(hostname string) *logrus.Entry {
	return Log.WithField("hostname", hostname)
}

// WithRule scopes a log entry to an autoscaling rule name.
func WithRule(ruleName string) *logrus.Entry {
	return Log.WithField("ruleName", ruleName)
}
