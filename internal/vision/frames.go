package vision

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoFrame is returned when no fresh camera frame arrived in time.
var ErrNoFrame = errors.New("no camera frame available")

// Frame is one encoded still from the camera feed.
type Frame struct {
	Data []byte
	At   time.Time
}

// FrameSource keeps the most recent camera frame.
type FrameSource struct {
	mu      sync.Mutex
	latest  Frame
	updated chan struct{}
	settle  time.Duration
	now     func() time.Time
}

// NewFrameSource returns a source whose snapshots wait settle before
// accepting a frame. Right after the camera attaches the first frames are
// often black or stale; the delay is empirical.
func NewFrameSource(settle time.Duration) *FrameSource {
	return &FrameSource{updated: make(chan struct{}), settle: settle, now: time.Now}
}

func (s *FrameSource) Push(data []byte) {
	frame := Frame{Data: append([]byte(nil), data...)}
	s.mu.Lock()
	frame.At = s.now()
	s.latest = frame
	close(s.updated)
	s.updated = make(chan struct{})
	s.mu.Unlock()
}

func (s *FrameSource) Latest() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.latest.Data != nil
}

// Snapshot waits the settle delay, then returns the first frame captured
// after the request was made.
func (s *FrameSource) Snapshot(ctx context.Context) ([]byte, error) {
	requested := s.now()
	if s.settle > 0 {
		timer := time.NewTimer(s.settle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ErrNoFrame
		case <-timer.C:
		}
	}
	for {
		s.mu.Lock()
		latest, updated := s.latest, s.updated
		s.mu.Unlock()
		if latest.Data != nil && latest.At.After(requested) {
			return latest.Data, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrNoFrame
		case <-updated:
		}
	}
}
