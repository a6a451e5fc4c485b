package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Sample rates fixed by the live endpoint contract. Capture and playback
// rates are not interchangeable.
const (
	CaptureSampleRate  = 16000
	PlaybackSampleRate = 24000
)

// EncodedBlob is the wire form of one captured frame.
type EncodedBlob struct {
	MIMEType string
	Data     string
}

// PCMMimeType returns the descriptor the endpoint expects for raw PCM16LE.
func PCMMimeType(sampleRate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(sampleRate)
}

// EncodePCM16 converts float samples in [-1,1] to signed 16-bit little-endian
// bytes, clipping anything outside the range.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// EncodeFrame packs a captured frame for transmission.
func EncodeFrame(samples []float32, sampleRate int) EncodedBlob {
	return EncodedBlob{
		MIMEType: PCMMimeType(sampleRate),
		Data:     base64.StdEncoding.EncodeToString(EncodePCM16(samples)),
	}
}

// DecodeBlob returns the raw PCM bytes carried by an inbound audio payload.
func DecodeBlob(data string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return raw, nil
}

// Buffer is decoded, playable audio: one float slice per channel.
type Buffer struct {
	SampleRate int
	Channels   [][]float32
}

// Frames is the number of sample frames per channel.
func (b Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration is the playback length of the buffer at its sample rate.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// ToPlayable reconstructs float samples from interleaved PCM16LE bytes.
// sampleRate and channels must match what the endpoint actually produced.
func ToPlayable(pcm []byte, sampleRate, channels int) Buffer {
	if channels <= 0 {
		channels = 1
	}
	frames := len(pcm) / 2 / channels
	buf := Buffer{SampleRate: sampleRate, Channels: make([][]float32, channels)}
	for c := range buf.Channels {
		buf.Channels[c] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			off := (i*channels + c) * 2
			v := int16(binary.LittleEndian.Uint16(pcm[off:]))
			buf.Channels[c][i] = float32(v) / 32768
		}
	}
	return buf
}

func floatToInt16(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	v := math.Round(float64(s) * 32768)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
