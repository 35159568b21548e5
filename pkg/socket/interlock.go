package socket

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// goroutineID returns the id of the calling goroutine. Go deliberately
// exposes no public API for this; the runtime still prints it as the
// first token of a stack trace ("goroutine 123 [running]:"), so this
// parses that line the way a handful of debug/pprof-adjacent tools do.
// Used only to implement the in-operation interlock below, never for
// scheduling decisions.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return -1
	}
	return id
}

// interlock implements the per-socket in-operation mutual exclusion
// described in spec §5: a blocking operation marks the socket with the
// owning goroutine id; a concurrent call from a different goroutine fails
// with IN_OP_THREAD, a reentrant call from the same goroutine fails with
// IN_OP. Non-blocking inspectors never touch this.
type interlock struct {
	mu    sync.Mutex
	owner int64 // 0 means idle; goroutine ids are always > 0
}

type interlockResult int

const (
	interlockAcquired interlockResult = iota
	interlockReentrant
	interlockOtherThread
)

func (l *interlock) tryAcquire() interlockResult {
	gid := goroutineID()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == 0 {
		l.owner = gid
		return interlockAcquired
	}
	if l.owner == gid {
		return interlockReentrant
	}
	return interlockOtherThread
}

func (l *interlock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owner = 0
}
