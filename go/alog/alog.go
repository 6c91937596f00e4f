// Package alog defines the logging functions used throughout aqingest
// (e.g. Infof, Errorf). It is a thin package-level surface over a zap
// SugaredLogger so call sites never carry a logger around.
package alog

import (
	"go.uber.org/zap"
)

var logger *zap.SugaredLogger

func init() {
	// Until Init is called, log in production JSON form. Errors building
	// the default config are impossible, zap only fails on bad options.
	l, err := zap.NewProduction(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	logger = l.Sugar()
}

// Init replaces the default logger. If local is true logs are written in
// the human-readable development format, otherwise JSON.
func Init(local bool) {
	var l *zap.Logger
	var err error
	if local {
		l, err = zap.NewDevelopment(zap.AddCallerSkip(1))
	} else {
		l, err = zap.NewProduction(zap.AddCallerSkip(1))
	}
	if err != nil {
		panic(err)
	}
	logger = l.Sugar()
}

// Debugf formats with fmt.Sprintf and logs at debug level.
func Debugf(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

// Infof formats with fmt.Sprintf and logs at info level.
func Infof(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

// Warningf formats with fmt.Sprintf and logs at warn level.
func Warningf(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

// Errorf formats with fmt.Sprintf and logs at error level.
func Errorf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}

// Fatalf logs at fatal level and exits the program.
func Fatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}

// Flush writes any buffered log entries.
func Flush() {
	_ = logger.Sync()
}
