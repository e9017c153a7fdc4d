package domain

import (
	"sync/atomic"
	"time"
)

var lastTimestamp int64

// Now returns the current UTC time truncated to microseconds. Successive calls
// always return strictly increasing values, even when the wall clock stalls or
// steps backwards.
func Now() time.Time {
	for {
		now := time.Now().UnixMicro()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return time.UnixMicro(now).UTC()
		}
	}
}
