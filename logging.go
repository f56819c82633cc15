// logging.go - structured logging for the fiberpool runtime.
//
// Design Decision: a package-level logger is appropriate here because
// the scheduler, timer
// manager, I/O manager and hook layer all emit cross-cutting lifecycle
// events (fiber panics, armed/disarmed events, timer drains, rejected
// submissions) that have no natural per-call-site logger to thread
// through every function signature.
package fiberpool

import (
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

var globalLogger struct {
	sync.RWMutex
	logger *logiface.Logger[*stumpy.Event]
}

func init() {
	globalLogger.logger = stumpy.L.New()
}

// SetLogger replaces the package-wide structured logger. Passing nil
// restores the default stumpy-backed logger.
func SetLogger(l *logiface.Logger[*stumpy.Event]) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	if l == nil {
		l = stumpy.L.New()
	}
	globalLogger.logger = l
}

func logger() *logiface.Logger[*stumpy.Event] {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	return globalLogger.logger
}

// logDebug/logWarn/logErr/logEmerg tag every entry with a component
// category: "scheduler", "timer", "io", "fdctx", "hook".
func logDebug(category, msg string) {
	logger().Debug().Str("component", category).Log(msg)
}

func logWarn(category, msg string, err error) {
	b := logger().Warning().Str("component", category)
	if err != nil {
		b = b.Err(err)
	}
	b.Log(msg)
}

func logErr(category, msg string, err error) {
	b := logger().Err().Str("component", category)
	if err != nil {
		b = b.Err(err)
	}
	b.Log(msg)
}

// logFatal logs at Emergency level and then terminates the process via
// logiface.OsExit, which tests may override (mirroring global.go's OsExit
// variable) to assert on fatal conditions without actually exiting.
func logFatal(category, op string, err error) {
	logger().Emerg().Str("component", category).Str("op", op).Err(err).Log("fatal internal error")
	logiface.OsExit(1)
}
