package audio

import (
	"math"
	"strings"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTripSine(t *testing.T) {
	const n = 1600
	in := make([]float32, n)
	for i := range in {
		in[i] = float32(0.8 * math.Sin(2*math.Pi*1000*float64(i)/CaptureSampleRate))
	}

	blob := EncodeFrame(in, CaptureSampleRate)
	if blob.MIMEType != "audio/pcm;rate=16000" {
		t.Fatalf("MIMEType = %q, want audio/pcm;rate=16000", blob.MIMEType)
	}

	raw, err := DecodeBlob(blob.Data)
	if err != nil {
		t.Fatalf("DecodeBlob() error = %v", err)
	}
	out := ToPlayable(raw, CaptureSampleRate, 1)
	if out.Frames() != n {
		t.Fatalf("Frames() = %d, want %d", out.Frames(), n)
	}

	var maxErr float64
	for i := range in {
		d := math.Abs(float64(in[i]) - float64(out.Channels[0][i]))
		if d > maxErr {
			maxErr = d
		}
	}
	if maxErr > 1.0/32768 {
		t.Fatalf("max round-trip error = %v, want <= %v", maxErr, 1.0/32768)
	}
}

func TestEncodePCM16Clips(t *testing.T) {
	pcm := EncodePCM16([]float32{2, -2, 0})
	buf := ToPlayable(pcm, PlaybackSampleRate, 1)
	got := buf.Channels[0]
	if got[0] != float32(32767)/32768 {
		t.Fatalf("clipped high = %v, want %v", got[0], float32(32767)/32768)
	}
	if got[1] != -1 {
		t.Fatalf("clipped low = %v, want -1", got[1])
	}
	if got[2] != 0 {
		t.Fatalf("zero = %v, want 0", got[2])
	}
}

func TestDecodeBlobRejectsGarbage(t *testing.T) {
	if _, err := DecodeBlob("!!not base64!!"); err == nil || !strings.Contains(err.Error(), "decode audio payload") {
		t.Fatalf("DecodeBlob() error = %v, want wrapped decode error", err)
	}
}

func TestBufferDuration(t *testing.T) {
	buf := ToPlayable(make([]byte, PlaybackSampleRate*2/2), PlaybackSampleRate, 1)
	if got := buf.Duration(); got != 500*time.Millisecond {
		t.Fatalf("Duration() = %v, want 500ms", got)
	}
}

func TestToPlayableStereoDeinterleaves(t *testing.T) {
	pcm := EncodePCM16([]float32{0.5, -0.5, 0.25, -0.25})
	buf := ToPlayable(pcm, PlaybackSampleRate, 2)
	if buf.Frames() != 2 {
		t.Fatalf("Frames() = %d, want 2", buf.Frames())
	}
	if buf.Channels[0][1] <= 0 || buf.Channels[1][1] >= 0 {
		t.Fatalf("unexpected channel split: %+v", buf.Channels)
	}
}
