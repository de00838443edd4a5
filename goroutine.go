package neptune

import (
	"runtime"
	"sync"
)

// Loops are bound to the goroutine that created them; Loop additionally locks
// that goroutine to its OS thread, so "loop thread" and "loop goroutine" are
// the same thing here.
var currentLoops sync.Map

// EventLoopOfCurrentThread returns the EventLoop created by the calling
// goroutine, or nil.
func EventLoopOfCurrentThread() *EventLoop {
	if v, ok := currentLoops.Load(goroutineID()); ok {
		return v.(*EventLoop)
	}
	return nil
}

func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
