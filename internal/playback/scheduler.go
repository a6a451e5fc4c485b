// Package playback schedules decoded assistant audio for gapless playback.
package playback

import (
	"time"

	"github.com/ent0n29/partskiosk/internal/audio"
)

// Scheduler queues segments back to back on an output sink and supports a
// hard cancel for barge-in. It is not safe for concurrent use: the session
// event loop owns it, and sink completions are routed back through Exec.
type Scheduler struct {
	sink   audio.OutputSink
	exec   func(func())
	cursor time.Duration
	nextID uint64
	active map[uint64]audio.Voice
}

// New returns a scheduler whose cursor starts at the sink's current time.
// exec runs completion callbacks on the owner's goroutine; nil runs them inline.
func New(sink audio.OutputSink, exec func(func())) *Scheduler {
	if exec == nil {
		exec = func(fn func()) { fn() }
	}
	return &Scheduler{
		sink:   sink,
		exec:   exec,
		cursor: sink.Now(),
		active: make(map[uint64]audio.Voice),
	}
}

// Enqueue schedules buf at max(cursor, now) and returns its start time.
func (s *Scheduler) Enqueue(buf audio.Buffer) time.Duration {
	start := s.cursor
	if now := s.sink.Now(); now > start {
		start = now
	}
	s.nextID++
	id := s.nextID
	s.cursor = start + buf.Duration()
	s.active[id] = s.sink.Start(buf, start, func() {
		s.exec(func() { s.release(id) })
	})
	return start
}

// Cancel stops every active segment and rewinds the cursor to now, so the
// next segment starts immediately instead of after the discarded queue.
func (s *Scheduler) Cancel() int {
	n := len(s.active)
	for id, v := range s.active {
		v.Stop()
		delete(s.active, id)
	}
	s.cursor = s.sink.Now()
	return n
}

// Active is the number of scheduled or playing segments.
func (s *Scheduler) Active() int { return len(s.active) }

// Cursor is the time at which the next segment would start.
func (s *Scheduler) Cursor() time.Duration { return s.cursor }

func (s *Scheduler) release(id uint64) {
	delete(s.active, id)
}
