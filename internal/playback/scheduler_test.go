package playback

import (
	"testing"
	"time"

	"github.com/ent0n29/partskiosk/internal/audio"
)

type fakeVoice struct {
	stops int
}

func (v *fakeVoice) Stop() { v.stops++ }

type fakeSink struct {
	now    time.Duration
	starts []time.Duration
	voices []*fakeVoice
	ended  []func()
}

func (s *fakeSink) Now() time.Duration { return s.now }

func (s *fakeSink) Start(_ audio.Buffer, at time.Duration, onEnded func()) audio.Voice {
	v := &fakeVoice{}
	s.starts = append(s.starts, at)
	s.voices = append(s.voices, v)
	s.ended = append(s.ended, onEnded)
	return v
}

func (s *fakeSink) Close() error { return nil }

func segment(d time.Duration) audio.Buffer {
	frames := int(d * audio.PlaybackSampleRate / time.Second)
	return audio.Buffer{SampleRate: audio.PlaybackSampleRate, Channels: [][]float32{make([]float32, frames)}}
}

func TestEnqueueSchedulesBackToBack(t *testing.T) {
	sink := &fakeSink{now: time.Second}
	s := New(sink, nil)

	s.Enqueue(segment(100 * time.Millisecond))
	s.Enqueue(segment(200 * time.Millisecond))
	s.Enqueue(segment(50 * time.Millisecond))

	want := []time.Duration{time.Second, 1100 * time.Millisecond, 1300 * time.Millisecond}
	for i, at := range want {
		if sink.starts[i] != at {
			t.Fatalf("start[%d] = %v, want %v", i, sink.starts[i], at)
		}
	}
	if s.Cursor() != 1350*time.Millisecond {
		t.Fatalf("Cursor() = %v, want 1.35s", s.Cursor())
	}
	if s.Active() != 3 {
		t.Fatalf("Active() = %d, want 3", s.Active())
	}
}

func TestEnqueueAfterIdleStartsAtNow(t *testing.T) {
	sink := &fakeSink{}
	s := New(sink, nil)
	s.Enqueue(segment(100 * time.Millisecond))

	sink.now = 2 * time.Second
	if at := s.Enqueue(segment(100 * time.Millisecond)); at != 2*time.Second {
		t.Fatalf("start = %v, want 2s", at)
	}
}

func TestCompletionRemovesSegment(t *testing.T) {
	sink := &fakeSink{}
	s := New(sink, nil)
	s.Enqueue(segment(10 * time.Millisecond))
	s.Enqueue(segment(10 * time.Millisecond))

	sink.ended[0]()
	if s.Active() != 1 {
		t.Fatalf("Active() = %d, want 1", s.Active())
	}
}

func TestCancelStopsAllAndResetsCursor(t *testing.T) {
	sink := &fakeSink{}
	s := New(sink, nil)
	s.Enqueue(segment(500 * time.Millisecond))
	s.Enqueue(segment(500 * time.Millisecond))

	sink.now = 300 * time.Millisecond
	if n := s.Cancel(); n != 2 {
		t.Fatalf("Cancel() = %d, want 2", n)
	}
	for i, v := range sink.voices {
		if v.stops != 1 {
			t.Fatalf("voice %d stops = %d, want 1", i, v.stops)
		}
	}
	if s.Cursor() != 300*time.Millisecond {
		t.Fatalf("Cursor() = %v, want 300ms", s.Cursor())
	}

	// A late completion for a cancelled segment must be harmless.
	sink.ended[0]()

	if at := s.Enqueue(segment(100 * time.Millisecond)); at != 300*time.Millisecond {
		t.Fatalf("post-cancel start = %v, want 300ms", at)
	}
}

func TestCancelWithNothingQueued(t *testing.T) {
	sink := &fakeSink{now: 42 * time.Millisecond}
	s := New(sink, nil)
	if n := s.Cancel(); n != 0 {
		t.Fatalf("Cancel() = %d, want 0", n)
	}
	if s.Cursor() != 42*time.Millisecond {
		t.Fatalf("Cursor() = %v, want 42ms", s.Cursor())
	}
}

func TestCompletionRoutedThroughExec(t *testing.T) {
	sink := &fakeSink{}
	var queued []func()
	s := New(sink, func(fn func()) { queued = append(queued, fn) })
	s.Enqueue(segment(10 * time.Millisecond))

	sink.ended[0]()
	if s.Active() != 1 {
		t.Fatalf("completion ran before exec drained")
	}
	queued[0]()
	if s.Active() != 0 {
		t.Fatalf("Active() = %d, want 0", s.Active())
	}
}
