package fiber

import "runtime"

// goroutineID extracts the calling goroutine's runtime-assigned id by
// parsing the "goroutine N [...]" header of a stack trace taken for just
// this goroutine. This is the same technique the event-loop machinery this
// module is descended from uses to recognise its own loop goroutine; it is
// not exposed by the runtime package, but it is cheap enough (one small
// stack capture, no allocation beyond the fixed buffer) to call on every
// SetCurrent and Current.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
