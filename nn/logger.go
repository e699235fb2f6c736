package nn

import (
	"log"

	"github.com/openfluke/sdn/gpu"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger and the gpu package logger.
// Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	gpu.SetLogger(f)
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
