package log

import "github.com/sirupsen/logrus"

// Levels re-exported so callers never import logrus directly.
var (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
	FatalLevel = logrus.FatalLevel
	PanicLevel = logrus.PanicLevel
)

// TextFormatter is an alias for the logrus text formatter.
type TextFormatter = logrus.TextFormatter

// Level is an alias for the logrus level type.
type Level = logrus.Level

// Fields is an alias for the logrus fields map.
type Fields = logrus.Fields

// CheckErr logs err at the given level when it is not nil.
func CheckErr(level logrus.Level, err error) {
	if err != nil {
		Log(level, err)
	}
}

// Log records the messages at the given level.
func Log(level logrus.Level, messages ...interface{}) {
	switch level {
	case logrus.InfoLevel:
		logrus.Info(messages...)
	case logrus.WarnLevel:
		logrus.Warn(messages...)
	case logrus.ErrorLevel:
		logrus.Error(messages...)
	case logrus.FatalLevel:
		logrus.Fatal(messages...)
	case logrus.PanicLevel:
		logrus.Panic(messages...)
	case logrus.DebugLevel:
		fallthrough
	default:
		logrus.Debug(messages...)
	}
}

// SetFormatter sets the logrus formatter.
func SetFormatter(formatter logrus.Formatter) {
	logrus.SetFormatter(formatter)
}

// SetLevel sets the minimum level that gets recorded.
func SetLevel(level logrus.Level) {
	logrus.SetLevel(level)
}

// ParseLevel resolves a level name; unknown names fall back to info.
func ParseLevel(name string) Level {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// WithField attaches a single field to the log entry.
func WithField(key string, value interface{}) *logrus.Entry {
	return logrus.WithField(key, value)
}

// WithFields attaches several fields to the log entry.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logrus.WithFields(fields)
}

func Info(messages ...interface{}) {
	logrus.Info(messages...)
}

func Infof(format string, messages ...interface{}) {
	logrus.Infof(format, messages...)
}

func Warn(messages ...interface{}) {
	logrus.Warn(messages...)
}

func Warnf(format string, messages ...interface{}) {
	logrus.Warnf(format, messages...)
}

func Error(messages ...interface{}) {
	logrus.Error(messages...)
}

func Errorf(format string, messages ...interface{}) {
	logrus.Errorf(format, messages...)
}

func Debug(messages ...interface{}) {
	logrus.Debug(messages...)
}

func Debugf(format string, messages ...interface{}) {
	logrus.Debugf(format, messages...)
}

func Fatal(messages ...interface{}) {
	logrus.Fatal(messages...)
}

func Fatalf(format string, messages ...interface{}) {
	logrus.Fatalf(format, messages...)
}
