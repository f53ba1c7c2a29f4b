package protocol

import (
	"sync/atomic"
	"time"
)

var lastTS atomic.Int64

// Now returns a monotonic millisecond timestamp: wall-clock time, bumped past
// the last value handed out so local timestamps never repeat or run backwards
// across a clock adjustment.
func Now() int64 {
	for {
		wall := time.Now().UnixMilli()
		cur := lastTS.Load()
		next := wall
		if next <= cur {
			next = cur + 1
		}
		if lastTS.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Observe merges a remote timestamp so subsequent local timestamps sort after
// everything this peer has already seen.
func Observe(remote int64) {
	for {
		cur := lastTS.Load()
		if remote <= cur {
			return
		}
		if lastTS.CompareAndSwap(cur, remote) {
			return
		}
	}
}
