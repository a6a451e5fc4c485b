package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// MalgoDevices opens miniaudio-backed capture and playback devices.
type MalgoDevices struct {
	Logger *zap.Logger
}

func (d MalgoDevices) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// OpenCapture opens the default microphone as mono float32 at sampleRate,
// delivering frameSamples per callback.
func (d MalgoDevices) OpenCapture(sampleRate, frameSamples int) (CaptureDevice, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: init capture context: %v", ErrNoDevice, err)
	}
	return &malgoCapture{
		ctx:          ctx,
		sampleRate:   sampleRate,
		frameSamples: frameSamples,
		logger:       d.logger(),
	}, nil
}

// OpenOutput opens the default speaker as mono float32 at sampleRate.
func (d MalgoDevices) OpenOutput(sampleRate int) (OutputSink, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: init output context: %v", ErrNoDevice, err)
	}

	out := &malgoOutput{ctx: ctx, mixer: NewMixer(sampleRate)}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(sampleRate)

	var scratch []float32
	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutputSample, _ []byte, framecount uint32) {
			if cap(scratch) < int(framecount) {
				scratch = make([]float32, framecount)
			}
			frame := scratch[:framecount]
			out.mixer.Render(frame)
			for i, v := range frame {
				binary.LittleEndian.PutUint32(pOutputSample[i*4:], math.Float32bits(v))
			}
		},
	}

	device, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		releaseContext(ctx)
		return nil, fmt.Errorf("%w: init playback device: %v", ErrNoDevice, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		releaseContext(ctx)
		return nil, fmt.Errorf("%w: start playback device: %v", ErrNoDevice, err)
	}
	out.device = device
	return out, nil
}

type malgoCapture struct {
	ctx          *malgo.AllocatedContext
	device       *malgo.Device
	sampleRate   int
	frameSamples int
	logger       *zap.Logger

	mu     sync.Mutex
	closed bool
}

func (c *malgoCapture) Start(onFrame func([]float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: capture closed", ErrNoDevice)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(c.sampleRate)
	cfg.PeriodSizeInFrames = uint32(c.frameSamples)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, framecount uint32) {
			// The buffer is reused by miniaudio; copy before handing off.
			samples := make([]float32, framecount)
			for i := range samples {
				samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(pInputSamples[i*4:]))
			}
			onFrame(samples)
		},
	}

	device, err := malgo.InitDevice(c.ctx.Context, cfg, callbacks)
	if err != nil {
		return fmt.Errorf("%w: init capture device: %v", ErrNoDevice, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("%w: start capture device: %v", ErrNoDevice, err)
	}
	c.device = device
	c.logger.Debug("capture started", zap.Int("sample_rate", c.sampleRate), zap.Int("frame_samples", c.frameSamples))
	return nil
}

func (c *malgoCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.device != nil {
		_ = c.device.Stop()
		c.device.Uninit()
	}
	releaseContext(c.ctx)
	return nil
}

type malgoOutput struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	mixer  *Mixer

	closeOnce sync.Once
}

func (o *malgoOutput) Now() time.Duration { return o.mixer.Now() }

func (o *malgoOutput) Start(buf Buffer, at time.Duration, onEnded func()) Voice {
	return o.mixer.Start(buf, at, onEnded)
}

func (o *malgoOutput) Close() error {
	o.closeOnce.Do(func() {
		o.mixer.StopAll()
		if o.device != nil {
			_ = o.device.Stop()
			o.device.Uninit()
		}
		releaseContext(o.ctx)
	})
	return nil
}

func releaseContext(ctx *malgo.AllocatedContext) {
	if ctx == nil {
		return
	}
	_ = ctx.Uninit()
	ctx.Free()
}
