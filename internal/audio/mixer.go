package audio

import (
	"sync"
	"time"
)

// Mixer renders scheduled mono voices into an output stream. Its clock is the
// number of frames rendered so far, so Now() is exactly what has been played.
type Mixer struct {
	sampleRate int

	mu       sync.Mutex
	rendered int64
	voices   []*mixVoice
}

type mixVoice struct {
	m       *Mixer
	samples []float32
	start   int64
	pos     int
	stopped bool
	onEnded func()
}

func NewMixer(sampleRate int) *Mixer {
	if sampleRate <= 0 {
		sampleRate = PlaybackSampleRate
	}
	return &Mixer{sampleRate: sampleRate}
}

func (m *Mixer) SampleRate() int { return m.sampleRate }

func (m *Mixer) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.framesToDuration(m.rendered)
}

// Start queues buf (first channel only) to begin at clock time at.
func (m *Mixer) Start(buf Buffer, at time.Duration, onEnded func()) Voice {
	var samples []float32
	if len(buf.Channels) > 0 {
		samples = buf.Channels[0]
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	start := m.durationToFrames(at)
	if start < m.rendered {
		start = m.rendered
	}
	v := &mixVoice{m: m, samples: samples, start: start, onEnded: onEnded}
	m.voices = append(m.voices, v)
	return v
}

// Render fills out with the next len(out) frames and advances the clock.
func (m *Mixer) Render(out []float32) {
	var finished []func()

	m.mu.Lock()
	for i := range out {
		out[i] = 0
	}
	from := m.rendered
	to := from + int64(len(out))
	kept := m.voices[:0]
	for _, v := range m.voices {
		if v.stopped {
			continue
		}
		for abs := max(from, v.start); abs < to && v.pos < len(v.samples); abs++ {
			out[abs-from] += v.samples[v.pos]
			v.pos++
		}
		if v.pos >= len(v.samples) && v.start < to {
			v.stopped = true
			if v.onEnded != nil {
				finished = append(finished, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	m.voices = kept
	m.rendered = to
	m.mu.Unlock()

	for i := range out {
		if out[i] > 1 {
			out[i] = 1
		} else if out[i] < -1 {
			out[i] = -1
		}
	}
	for _, fn := range finished {
		fn()
	}
}

// StopAll silences every voice without firing completion callbacks.
func (m *Mixer) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.voices {
		v.stopped = true
	}
	m.voices = nil
}

// Active reports how many voices are scheduled or playing.
func (m *Mixer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.voices {
		if !v.stopped {
			n++
		}
	}
	return n
}

func (v *mixVoice) Stop() {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	v.stopped = true
}

// durationToFrames rounds to the nearest frame. Durations derived from frame
// counts are truncated to whole nanoseconds, so flooring here would start a
// back-to-back voice one frame early.
func (m *Mixer) durationToFrames(d time.Duration) int64 {
	return (int64(d)*int64(m.sampleRate) + int64(time.Second)/2) / int64(time.Second)
}

func (m *Mixer) framesToDuration(frames int64) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(m.sampleRate)
}
