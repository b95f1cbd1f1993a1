package monitoring

import (
	"log"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Stage logs the start of a named pipeline stage and returns a function
// that logs its completion with the elapsed wall time.
//
//	done := monitoring.Stage("solve")
//	defer done()
func Stage(name string) func() {
	start := time.Now()
	Logf("[tracking] stage %s: start", name)
	return func() {
		Logf("[tracking] stage %s: done in %s", name, time.Since(start).Round(time.Millisecond))
	}
}
