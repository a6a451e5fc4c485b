package audio

import (
	"errors"
	"time"
)

// ErrNoDevice is returned when a capture or output device cannot be opened.
var ErrNoDevice = errors.New("audio device unavailable")

// CaptureDevice delivers fixed-size mono frames from the microphone.
// onFrame runs on the device thread and must not block.
type CaptureDevice interface {
	Start(onFrame func(samples []float32)) error
	Close() error
}

// Voice is one scheduled output segment.
type Voice interface {
	// Stop silences the voice immediately. Stopping twice is a no-op.
	Stop()
}

// OutputSink is an output device with its own monotonic clock.
type OutputSink interface {
	Now() time.Duration
	// Start schedules buf to begin at clock time at. onEnded fires once when
	// the voice plays out; it does not fire for stopped voices.
	Start(buf Buffer, at time.Duration, onEnded func()) Voice
	Close() error
}

// Devices opens the capture and output devices for one session.
type Devices interface {
	OpenCapture(sampleRate, frameSamples int) (CaptureDevice, error)
	OpenOutput(sampleRate int) (OutputSink, error)
}

// NullDevices is a headless backend: capture never delivers frames and
// output advances its clock in wall time without producing sound.
type NullDevices struct{}

func (NullDevices) OpenCapture(int, int) (CaptureDevice, error) { return nullCapture{}, nil }

func (NullDevices) OpenOutput(sampleRate int) (OutputSink, error) {
	return newWallClockSink(sampleRate), nil
}

type nullCapture struct{}

func (nullCapture) Start(func([]float32)) error { return nil }
func (nullCapture) Close() error                { return nil }

// wallClockSink drives a Mixer from a ticker so segment completion still
// fires on headless hosts.
type wallClockSink struct {
	mixer *Mixer
	stop  chan struct{}
	done  chan struct{}
}

func newWallClockSink(sampleRate int) *wallClockSink {
	s := &wallClockSink{
		mixer: NewMixer(sampleRate),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *wallClockSink) run() {
	defer close(s.done)
	const tick = 20 * time.Millisecond
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	scratch := make([]float32, s.mixer.SampleRate()*int(tick/time.Millisecond)/1000)
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mixer.Render(scratch)
		}
	}
}

func (s *wallClockSink) Now() time.Duration { return s.mixer.Now() }

func (s *wallClockSink) Start(buf Buffer, at time.Duration, onEnded func()) Voice {
	return s.mixer.Start(buf, at, onEnded)
}

func (s *wallClockSink) Close() error {
	select {
	case <-s.stop:
		return nil
	default:
	}
	close(s.stop)
	<-s.done
	s.mixer.StopAll()
	return nil
}
