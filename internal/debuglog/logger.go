// Package debuglog is a tiny env-gated logger used across cloudnode.
//
// Verbosity is controlled by the LOG environment variable: LOG=debug or
// LOG=trace enables Debugf output; anything else (including unset) logs
// only through Logf, which always writes.
package debuglog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const queueSize = 2048

type logger struct {
	once sync.Once
	ch   chan string
}

var (
	global  logger
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep time.Time
)

func verbose() bool {
	switch os.Getenv("LOG") {
	case "debug", "trace":
		return true
	default:
		return false
	}
}

func (l *logger) start() {
	l.once.Do(func() {
		l.ch = make(chan string, queueSize)
		go func() {
			for msg := range l.ch {
				_, _ = os.Stderr.WriteString(msg)
			}
		}()
	})
}

// Logf always logs, buffered through a background writer so callers on
// network goroutines never block on stderr contention.
func Logf(format string, args ...any) {
	msg := fmt.Sprintf(format+"\n", args...)
	global.start()
	select {
	case global.ch <- msg:
	default:
		// Drop when saturated rather than block the caller.
	}
}

// Debugf logs only when LOG=debug or LOG=trace.
func Debugf(format string, args ...any) {
	if !verbose() {
		return
	}
	Logf(format, args...)
}

// RateLimitedf logs at most once per interval per key, used for chatty
// per-tick events like heartbeat sends and dropped fragments.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !verbose() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if rlSweep.IsZero() {
		rlSweep = now
	}
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Logf(format, args...)
}
