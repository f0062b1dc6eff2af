// Package hlsclock provides the monotonic time source and one-shot
// delayed-callback scheduler every other tracker component is built on.
// The loader, bundle and tracker packages never call time.Now or
// time.AfterFunc directly — their timing routes through a Clock so tests
// can swap in a fake and assert exact scheduling math.
package hlsclock

import (
	"sync"
	"time"
)

// Handle identifies a scheduled callback for cancellation.
type Handle uint64

// Clock is the tracker's only source of monotonic time and delayed
// execution. All callbacks registered via Schedule fire on whatever
// goroutine the implementation chooses to run its timers on; callers that
// need single-threaded semantics (see the tracker's driver model) must
// serialize themselves — Clock itself makes no such guarantee beyond
// "one callback at a time per handle".
type Clock interface {
	// NowMs returns the current time in milliseconds on a monotonic
	// clock. Not comparable across processes.
	NowMs() int64
	// Schedule arranges for cb to run after delayMs milliseconds and
	// returns a handle that can be passed to Cancel. delayMs <= 0 fires
	// as soon as possible.
	Schedule(delayMs int64, cb func()) Handle
	// Cancel prevents a previously scheduled callback from firing. It is
	// a no-op if the callback already fired or was already canceled.
	Cancel(h Handle)
}

// System is the production Clock, backed by time.Now and time.AfterFunc.
type System struct {
	mu      sync.Mutex
	timers  map[Handle]*time.Timer
	nextID  Handle
	epoch   time.Time
}

// NewSystem returns a Clock backed by the real wall/monotonic clock.
func NewSystem() *System {
	return &System{
		timers: make(map[Handle]*time.Timer),
		epoch:  time.Now(),
	}
}

func (s *System) NowMs() int64 {
	return time.Since(s.epoch).Milliseconds()
}

func (s *System) Schedule(delayMs int64, cb func()) Handle {
	if delayMs < 0 {
		delayMs = 0
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	timer := time.AfterFunc(time.Duration(delayMs)*time.Millisecond, func() {
		s.mu.Lock()
		_, stillPending := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()

		if stillPending {
			cb()
		}
	})

	s.mu.Lock()
	s.timers[id] = timer
	s.mu.Unlock()

	return id
}

func (s *System) Cancel(h Handle) {
	s.mu.Lock()
	timer, ok := s.timers[h]
	if ok {
		delete(s.timers, h)
	}
	s.mu.Unlock()

	if ok {
		timer.Stop()
	}
}
