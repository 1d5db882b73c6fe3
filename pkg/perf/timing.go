package perf

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Set TABKEEPER_PERF=1 to log every timed operation to /tmp/tabkeeper-perf.log
	enabled  = os.Getenv("TABKEEPER_PERF") == "1"
	perfLog  = zerolog.Nop()
	initOnce sync.Once
)

func setup() {
	initOnce.Do(func() {
		if !enabled {
			return
		}
		f, err := os.OpenFile("/tmp/tabkeeper-perf.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			enabled = false
			return
		}
		perfLog = zerolog.New(f).With().Timestamp().Logger()
	})
}

// Timer tracks elapsed time for a named operation
type Timer struct {
	name  string
	start time.Time
}

// Start begins timing an operation
func Start(name string) *Timer {
	setup()
	return &Timer{
		name:  name,
		start: time.Now(),
	}
}

// Stop ends timing, logs the result when enabled and returns the elapsed time
// so callers can feed it to metrics.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if enabled {
		perfLog.Info().Str("op", t.name).Dur("elapsed", elapsed).Send()
	}
	return elapsed
}

// Track is a convenience function that times a function call
func Track(name string, fn func()) time.Duration {
	t := Start(name)
	fn()
	return t.Stop()
}

// IsEnabled returns whether performance logging is enabled
func IsEnabled() bool {
	return enabled
}
