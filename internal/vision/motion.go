// Package vision holds the camera side of the kiosk: motion triggering and
// on-demand snapshots.
package vision

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync"
	"time"

	"golang.org/x/image/draw"
)

const (
	gridWidth  = 64
	gridHeight = 48
)

// Signal is the motion trigger the orchestrator reacts to.
type Signal struct {
	Score    float64   `json:"score"`
	Detected bool      `json:"detected"`
	At       time.Time `json:"at"`
}

// MotionDetector compares each frame against the previous one on a small
// grayscale grid. The first frame after construction or Reset only sets the
// baseline and never triggers.
type MotionDetector struct {
	mu        sync.Mutex
	threshold float64
	baseline  *image.Gray
	now       func() time.Time
}

func NewMotionDetector(threshold float64) *MotionDetector {
	return &MotionDetector{threshold: threshold, now: time.Now}
}

// Observe decodes an encoded camera frame and scores it.
func (d *MotionDetector) Observe(frame []byte) (Signal, error) {
	img, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return Signal{}, fmt.Errorf("decode camera frame: %w", err)
	}
	return d.ObserveImage(img), nil
}

func (d *MotionDetector) ObserveImage(img image.Image) Signal {
	gray := image.NewGray(image.Rect(0, 0, gridWidth, gridHeight))
	draw.ApproxBiLinear.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Src, nil)

	d.mu.Lock()
	defer d.mu.Unlock()
	sig := Signal{At: d.now()}
	if d.baseline != nil {
		sig.Score = meanAbsDiff(d.baseline.Pix, gray.Pix)
		sig.Detected = sig.Score >= d.threshold
	}
	d.baseline = gray
	return sig
}

// Reset drops the baseline so a stale reference frame cannot trigger.
func (d *MotionDetector) Reset() {
	d.mu.Lock()
	d.baseline = nil
	d.mu.Unlock()
}

func meanAbsDiff(a, b []uint8) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var sum int
	for i := range a {
		diff := int(a[i]) - int(b[i])
		if diff < 0 {
			diff = -diff
		}
		sum += diff
	}
	return float64(sum) / float64(len(a)*255)
}
