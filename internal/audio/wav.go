package audio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// WriteWAV writes mono PCM16LE audio to out as a WAV stream.
func WriteWAV(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		formatPCM     = 1
	)
	if sampleRate <= 0 {
		sampleRate = CaptureSampleRate
	}

	dataSize := uint32(len(pcm))
	w := bufio.NewWriter(out)
	header := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(36) + dataSize,
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(formatPCM),
		uint16(numChannels),
		uint32(sampleRate),
		uint32(sampleRate * numChannels * bitsPerSample / 8),
		uint16(numChannels * bitsPerSample / 8),
		uint16(bitsPerSample),
		[4]byte{'d', 'a', 't', 'a'},
		dataSize,
	}
	for _, field := range header {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return err
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// SessionDump accumulates the audio streamed during one session and writes
// it as <dir>/<sessionID>-<label>.wav on Close. A nil dump is a no-op.
type SessionDump struct {
	path       string
	sampleRate int

	mu     sync.Mutex
	pcm    []byte
	closed bool
}

// NewSessionDump returns nil when dir is empty.
func NewSessionDump(dir, sessionID, label string, sampleRate int) *SessionDump {
	if dir == "" {
		return nil
	}
	return &SessionDump{
		path:       filepath.Join(dir, fmt.Sprintf("%s-%s.wav", sessionID, label)),
		sampleRate: sampleRate,
	}
}

func (d *SessionDump) Append(pcm []byte) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.pcm = append(d.pcm, pcm...)
}

func (d *SessionDump) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

func (d *SessionDump) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return fmt.Errorf("create dump dir: %w", err)
	}
	f, err := os.Create(d.path)
	if err != nil {
		return fmt.Errorf("create dump file: %w", err)
	}
	defer f.Close()
	return WriteWAV(f, d.pcm, d.sampleRate)
}
