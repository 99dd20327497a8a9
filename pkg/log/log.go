package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	tpLog *logrus.Logger
	once  sync.Once
)

// GetLogInstance returns the shared logger, creating it on first use
func GetLogInstance() *logrus.Logger {
	once.Do(func() {
		tpLog = logrus.New()
		tpLog.SetOutput(os.Stdout)
		tpLog.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05 -0700",
		})
		tpLog.SetLevel(logrus.InfoLevel)
	})
	return tpLog
}

// SetLoglevel sets the level from its string form. Unknown values fall back to info.
func SetLoglevel(level string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		GetLogInstance().Warnf("unknown log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	GetLogInstance().SetLevel(lvl)
}

// NewLogFile returns a rotating file writer at the given path
func NewLogFile(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 10,
		MaxAge:     30, //days
		Compress:   true,
		LocalTime:  true,
	}
}

// SetFileOutput writes log lines both to stdout and to the given file
func SetFileOutput(f *lumberjack.Logger) {
	if f == nil {
		return
	}
	GetLogInstance().SetOutput(io.MultiWriter(os.Stdout, f))
}

// SetOutput redirects the logger, mostly for tests
func SetOutput(w io.Writer) {
	GetLogInstance().SetOutput(w)
}

// Infof logs a formatted info message
func Infof(format string, args ...interface{}) {
	GetLogInstance().Infof(format, args...)
}

// InfoD logs a formatted info message that also belongs in the run summary
func InfoD(format string, args ...interface{}) {
	GetLogInstance().WithField("summary", true).Infof(format, args...)
}

// Debugf logs a formatted debug message
func Debugf(format string, args ...interface{}) {
	GetLogInstance().Debugf(format, args...)
}

// Warnf logs a formatted warning
func Warnf(format string, args ...interface{}) {
	GetLogInstance().Warnf(format, args...)
}

// Errorf logs a formatted error
func Errorf(format string, args ...interface{}) {
	GetLogInstance().Errorf(format, args...)
}

// Fatalf logs a formatted error and exits
func Fatalf(format string, args ...interface{}) {
	GetLogInstance().Fatalf(format, args...)
}

// FailOnError exits the process when err is non-nil
func FailOnError(err error, description string, args ...interface{}) {
	if err != nil {
		GetLogInstance().Fatalf("%v. Err: %v", fmt.Sprintf(description, args...), err)
	}
}
