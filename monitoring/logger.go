// Package monitoring routes the diagnostic output of the clustering
// engine and the layer services.
package monitoring

import (
	"fmt"
	"log"
	"time"
)

// LogFunc formats and records one diagnostic line.
type LogFunc func(format string, v ...interface{})

// Logf receives every diagnostic line. Programs and tests swap it with
// SetLogger.
var Logf LogFunc = log.Printf

// SetLogger installs f as the diagnostic sink. nil discards output.
func SetLogger(f LogFunc) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	Logf = f
}

// now is replaced in tests.
var now = time.Now

// Stopwatch starts timing an operation. The returned function logs its
// message with the elapsed time appended, e.g. "Saved layer x in 3ms".
func Stopwatch() LogFunc {
	start := now()
	return func(format string, v ...interface{}) {
		Logf("%s in %v", fmt.Sprintf(format, v...), now().Sub(start))
	}
}
