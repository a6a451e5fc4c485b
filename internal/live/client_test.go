package live

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/partskiosk/internal/audio"
	"github.com/ent0n29/partskiosk/internal/observability"
	"github.com/ent0n29/partskiosk/internal/protocol"
	"github.com/ent0n29/partskiosk/internal/session"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []any
	incoming chan []byte
	recvErr  chan error
	closed   chan struct{}
	once     sync.Once
	closes   atomic.Int32
	// gate, when set, holds every Send until it is closed or the
	// transport closes.
	gate chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan []byte, 16),
		recvErr:  make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) Send(_ context.Context, msg any) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-f.closed:
			return errors.New("transport closed")
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	select {
	case raw := <-f.incoming:
		return raw, nil
	case err := <-f.recvErr:
		return nil, err
	case <-f.closed:
		return nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (f *fakeTransport) Close() error {
	f.closes.Add(1)
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) push(raw string) { f.incoming <- []byte(raw) }

func (f *fakeTransport) toolResponses() []protocol.FunctionResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.FunctionResponse
	for _, msg := range f.sent {
		if tr, ok := msg.(protocol.ToolResponseMessage); ok {
			out = append(out, tr.ToolResponse.FunctionResponses...)
		}
	}
	return out
}

func (f *fakeTransport) count(msgType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, msg := range f.sent {
		if protocol.OutboundType(msg) == msgType {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	transport *fakeTransport
	err       error
	dials     atomic.Int32
}

func (d *fakeDialer) Dial(context.Context) (Transport, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return d.transport, nil
}

type fakeCapture struct {
	mu      sync.Mutex
	onFrame func([]float32)
	closed  atomic.Bool
}

func (c *fakeCapture) Start(onFrame func([]float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = onFrame
	return nil
}

func (c *fakeCapture) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeCapture) emit(samples []float32) {
	c.mu.Lock()
	fn := c.onFrame
	c.mu.Unlock()
	fn(samples)
}

type fakeVoice struct{ stopped atomic.Bool }

func (v *fakeVoice) Stop() { v.stopped.Store(true) }

type startedVoice struct {
	at    time.Duration
	voice *fakeVoice
}

type fakeSink struct {
	mu     sync.Mutex
	now    time.Duration
	starts []startedVoice
	closed atomic.Bool
}

func (s *fakeSink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *fakeSink) setNow(d time.Duration) {
	s.mu.Lock()
	s.now = d
	s.mu.Unlock()
}

func (s *fakeSink) Start(_ audio.Buffer, at time.Duration, _ func()) audio.Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := &fakeVoice{}
	s.starts = append(s.starts, startedVoice{at: at, voice: v})
	return v
}

func (s *fakeSink) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeSink) voices() []startedVoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]startedVoice(nil), s.starts...)
}

type fakeDevices struct {
	capture    *fakeCapture
	sink       *fakeSink
	captureErr error
}

func (d *fakeDevices) OpenCapture(int, int) (audio.CaptureDevice, error) {
	if d.captureErr != nil {
		return nil, d.captureErr
	}
	return d.capture, nil
}

func (d *fakeDevices) OpenOutput(int) (audio.OutputSink, error) { return d.sink, nil }

type harness struct {
	client    *Client
	transport *fakeTransport
	devices   *fakeDevices
	metrics   *observability.Metrics

	ends      atomic.Int32
	endReason chan session.EndReason
	paused    chan struct{}
	resumed   chan time.Time
	interrupt chan struct{}
	texts     chan string
}

func newHarness(t *testing.T, cfg Config, tools map[string]ToolHandler) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		devices:   &fakeDevices{capture: &fakeCapture{}, sink: &fakeSink{}},
		metrics:   observability.NewMetrics("live_test"),
		endReason: make(chan session.EndReason, 4),
		paused:    make(chan struct{}, 4),
		resumed:   make(chan time.Time, 4),
		interrupt: make(chan struct{}, 4),
		texts:     make(chan string, 8),
	}
	hooks := Hooks{
		OnPause:       func() { h.paused <- struct{}{} },
		OnResume:      func() { h.resumed <- time.Now() },
		OnInterrupted: func() { h.interrupt <- struct{}{} },
		OnText:        func(text string) { h.texts <- text },
		OnEnd: func(reason session.EndReason, _ error) {
			h.ends.Add(1)
			h.endReason <- reason
		},
	}
	client, err := Open(context.Background(), cfg, Options{
		Dialer:  &fakeDialer{transport: h.transport},
		Devices: h.devices,
		Tools:   tools,
		Hooks:   hooks,
		Logger:  zaptest.NewLogger(t),
		Metrics: h.metrics,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	h.client = client
	t.Cleanup(func() { _ = client.Close() })
	return h
}

func (h *harness) ready(t *testing.T) {
	t.Helper()
	h.transport.push(`{"setupComplete":{}}`)
	waitFor(t, func() bool {
		return testutil.ToFloat64(h.metrics.LiveMessages.WithLabelValues("inbound", "setup_complete")) == 1
	})
}

func (h *harness) frames(direction, result string) float64 {
	return testutil.ToFloat64(h.metrics.AudioFrames.WithLabelValues(direction, result))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		var zero T
		t.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}

// onLoop runs fn on the session goroutine and waits for it.
func onLoop(t *testing.T, c *Client, fn func()) {
	t.Helper()
	done := make(chan struct{})
	if !c.post(func() { fn(); close(done) }) {
		t.Fatalf("session already ended")
	}
	receive(t, done)
}

func TestSetupSentFirst(t *testing.T) {
	h := newHarness(t, Config{Setup: protocol.Setup{Model: "models/test"}}, nil)
	h.transport.mu.Lock()
	first := h.transport.sent[0]
	h.transport.mu.Unlock()
	setup, ok := first.(protocol.SetupMessage)
	if !ok {
		t.Fatalf("first frame = %T, want SetupMessage", first)
	}
	if setup.Setup.Model != "models/test" {
		t.Fatalf("setup model = %q, want models/test", setup.Setup.Model)
	}
}

func TestEveryToolCallGetsExactlyOneResponse(t *testing.T) {
	tools := map[string]ToolHandler{
		"ok": func(context.Context, protocol.FunctionCall) (any, error) { return "fine", nil },
		"fail": func(context.Context, protocol.FunctionCall) (any, error) {
			return nil, errors.New("collaborator down")
		},
		"boom": func(context.Context, protocol.FunctionCall) (any, error) { panic("kaboom") },
	}
	h := newHarness(t, Config{}, tools)
	h.ready(t)

	h.transport.push(`{"toolCall":{"functionCalls":[
		{"id":"a","name":"ok","args":{}},
		{"id":"b","name":"fail","args":{}},
		{"id":"c","name":"boom","args":{}},
		{"id":"d","name":"missing","args":{}}]}}`)

	waitFor(t, func() bool { return len(h.transport.toolResponses()) == 4 })
	time.Sleep(20 * time.Millisecond)

	byID := map[string]protocol.FunctionResponse{}
	for _, r := range h.transport.toolResponses() {
		if _, dup := byID[r.ID]; dup {
			t.Fatalf("duplicate response for %q", r.ID)
		}
		byID[r.ID] = r
	}
	if len(byID) != 4 {
		t.Fatalf("responses = %d, want 4", len(byID))
	}
	if got := byID["a"].Response["result"]; got != "fine" {
		t.Fatalf("a result = %v, want fine", got)
	}
	for _, id := range []string{"b", "c", "d"} {
		if _, ok := byID[id].Response["error"]; !ok {
			t.Fatalf("%s response = %v, want error payload", id, byID[id].Response)
		}
	}
}

func TestPausedFramesDroppedAndResumeAfterDelay(t *testing.T) {
	const delay = 60 * time.Millisecond
	release := make(chan struct{})
	tools := map[string]ToolHandler{
		"check_inventory": func(context.Context, protocol.FunctionCall) (any, error) {
			<-release
			return "2 items", nil
		},
	}
	h := newHarness(t, Config{ToolResumeDelay: delay}, tools)
	h.ready(t)

	frame := make([]float32, 320)
	h.devices.capture.emit(frame)
	waitFor(t, func() bool { return h.transport.count("audio") == 1 })

	h.transport.push(`{"toolCall":{"functionCalls":[{"id":"t1","name":"check_inventory","args":{"query":"valve"}}]}}`)
	receive(t, h.paused)

	for i := 0; i < 3; i++ {
		h.devices.capture.emit(frame)
	}
	waitFor(t, func() bool { return h.frames("outbound", "dropped_paused") == 3 })
	if got := h.transport.count("audio"); got != 1 {
		t.Fatalf("audio frames sent while paused = %d, want 1", got)
	}

	close(release)
	waitFor(t, func() bool { return len(h.transport.toolResponses()) == 1 })
	sentAt := time.Now()
	resumedAt := receive(t, h.resumed)
	if elapsed := resumedAt.Sub(sentAt); elapsed > delay+500*time.Millisecond {
		t.Fatalf("resume after %v, want within %v", elapsed, delay)
	}

	h.devices.capture.emit(frame)
	waitFor(t, func() bool { return h.transport.count("audio") == 2 })
}

func TestInterruptWithEmptyQueueResetsCursor(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ready(t)
	h.devices.sink.setNow(5 * time.Second)

	h.transport.push(`{"serverContent":{"interrupted":true}}`)
	receive(t, h.interrupt)

	var cursor time.Duration
	var active int
	onLoop(t, h.client, func() {
		cursor = h.client.scheduler.Cursor()
		active = h.client.scheduler.Active()
	})
	if cursor != 5*time.Second {
		t.Fatalf("cursor = %v, want 5s", cursor)
	}
	if active != 0 {
		t.Fatalf("active = %d, want 0", active)
	}
}

func TestInterruptCancelsBeforeSchedulingAudioInSameFrame(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ready(t)

	chunk := audio.EncodeFrame(make([]float32, 2400), audio.PlaybackSampleRate)
	audioFrame := `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"` + chunk.Data + `"}}]}}}`
	h.transport.push(audioFrame)
	h.transport.push(audioFrame)
	waitFor(t, func() bool { return len(h.devices.sink.voices()) == 2 })
	if v := h.devices.sink.voices(); v[1].at != 100*time.Millisecond {
		t.Fatalf("second segment at %v, want 100ms", v[1].at)
	}

	h.devices.sink.setNow(30 * time.Millisecond)
	h.transport.push(`{"serverContent":{"interrupted":true,"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"` + chunk.Data + `"}}]}}}`)
	waitFor(t, func() bool { return len(h.devices.sink.voices()) == 3 })

	voices := h.devices.sink.voices()
	if !voices[0].voice.stopped.Load() || !voices[1].voice.stopped.Load() {
		t.Fatalf("queued segments not stopped on interrupt")
	}
	if voices[2].at != 30*time.Millisecond {
		t.Fatalf("post-interrupt segment at %v, want 30ms", voices[2].at)
	}
}

func TestRemoteCloseEndsOnceAndCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ready(t)

	h.transport.recvErr <- &websocket.CloseError{Code: websocket.CloseNormalClosure}
	if reason := receive(t, h.endReason); reason != session.EndRemoteClosed {
		t.Fatalf("end reason = %q, want %q", reason, session.EndRemoteClosed)
	}
	<-h.client.Done()

	if err := h.client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := h.client.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if got := h.ends.Load(); got != 1 {
		t.Fatalf("OnEnd calls = %d, want 1", got)
	}
	if !h.devices.capture.closed.Load() || !h.devices.sink.closed.Load() {
		t.Fatalf("devices not released")
	}
	if err := h.client.SendText("hello"); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendText after close error = %v, want ErrClosed", err)
	}
}

func TestAbnormalCloseIsTransportError(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.transport.recvErr <- &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	if reason := receive(t, h.endReason); reason != session.EndTransport {
		t.Fatalf("end reason = %q, want %q", reason, session.EndTransport)
	}
}

func TestMalformedFrameEndsSession(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.transport.push(`{not json`)
	if reason := receive(t, h.endReason); reason != session.EndTransport {
		t.Fatalf("end reason = %q, want %q", reason, session.EndTransport)
	}
}

func TestServerErrorDoesNotEndSession(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ready(t)
	h.transport.push(`{"error":{"code":500,"status":"INTERNAL","message":"hiccup"}}`)
	waitFor(t, func() bool {
		return testutil.ToFloat64(h.metrics.LiveMessages.WithLabelValues("inbound", "error")) == 1
	})
	select {
	case <-h.client.Done():
		t.Fatalf("session ended on server error")
	default:
	}
}

func TestOpeningNudgeAndTextRejectedAfterAudio(t *testing.T) {
	h := newHarness(t, Config{OpeningNudge: "Hello?"}, nil)
	h.ready(t)
	waitFor(t, func() bool { return h.transport.count("client_content") == 1 })

	chunk := audio.EncodeFrame(make([]float32, 240), audio.PlaybackSampleRate)
	h.transport.push(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"` + chunk.Data + `"}}]}}}`)
	waitFor(t, func() bool { return h.frames("inbound", "scheduled") == 1 })

	if err := h.client.SendText("are you there"); !errors.Is(err, ErrAudioInProgress) {
		t.Fatalf("SendText error = %v, want ErrAudioInProgress", err)
	}
}

func TestFramesDroppedBeforeSetupComplete(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.devices.capture.emit(make([]float32, 320))
	waitFor(t, func() bool { return h.frames("outbound", "dropped_not_ready") == 1 })
	if got := h.transport.count("audio"); got != 0 {
		t.Fatalf("audio frames sent = %d, want 0", got)
	}
}

func TestOpenFailsFastWithoutCaptureDevice(t *testing.T) {
	sink := &fakeSink{}
	dialer := &fakeDialer{transport: newFakeTransport()}
	_, err := Open(context.Background(), Config{}, Options{
		Dialer:  dialer,
		Devices: &fakeDevices{sink: sink, captureErr: audio.ErrNoDevice},
		Logger:  zaptest.NewLogger(t),
	})
	if !errors.Is(err, audio.ErrNoDevice) {
		t.Fatalf("Open() error = %v, want ErrNoDevice", err)
	}
	if !sink.closed.Load() {
		t.Fatalf("output device not released")
	}
	if got := dialer.dials.Load(); got != 0 {
		t.Fatalf("dials = %d, want 0", got)
	}
}

func TestLateToolResultAfterCloseIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	tools := map[string]ToolHandler{
		"analyze_part": func(context.Context, protocol.FunctionCall) (any, error) {
			<-release
			defer close(finished)
			return "ball valve", nil
		},
	}
	h := newHarness(t, Config{}, tools)
	h.ready(t)
	h.transport.push(`{"toolCall":{"functionCalls":[{"id":"x","name":"analyze_part","args":{}}]}}`)
	receive(t, h.paused)

	if err := h.client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	close(release)
	receive(t, finished)
	time.Sleep(20 * time.Millisecond)
	if got := len(h.transport.toolResponses()); got != 0 {
		t.Fatalf("tool responses after close = %d, want 0", got)
	}
}

func TestUnqueueableToolResponseEndsSession(t *testing.T) {
	tools := map[string]ToolHandler{
		"ok": func(context.Context, protocol.FunctionCall) (any, error) { return "fine", nil },
	}
	h := newHarness(t, Config{CriticalSendTimeout: 20 * time.Millisecond}, tools)
	h.ready(t)

	h.transport.mu.Lock()
	h.transport.gate = make(chan struct{})
	h.transport.mu.Unlock()
	onLoop(t, h.client, func() {
		for len(h.client.critical) < cap(h.client.critical) {
			h.client.critical <- protocol.NewUserText("filler")
		}
	})

	h.transport.push(`{"toolCall":{"functionCalls":[{"id":"a","name":"ok","args":{}}]}}`)
	receive(t, h.paused)

	if got := receive(t, h.endReason); got != session.EndTransport {
		t.Fatalf("end reason = %q, want %q", got, session.EndTransport)
	}
	_, err := h.client.EndReason()
	if !errors.Is(err, errCriticalQueueFull) {
		t.Fatalf("end error = %v, want errCriticalQueueFull", err)
	}
	if got := testutil.ToFloat64(h.metrics.TransportErrors.WithLabelValues("tool_response_blocked")); got != 1 {
		t.Fatalf("tool_response_blocked = %v, want 1", got)
	}
	if n := h.ends.Load(); n != 1 {
		t.Fatalf("OnEnd calls = %d, want 1", n)
	}
}

func TestTranscriptFragmentsAccumulatePerTurn(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ready(t)

	h.transport.push(`{"serverContent":{"outputTranscription":{"text":"That is a "}}}`)
	h.transport.push(`{"serverContent":{"outputTranscription":{"text":"ball valve."},"turnComplete":true}}`)
	h.transport.push(`{"serverContent":{"outputTranscription":{"text":"Aisle 7."}}}`)
	h.transport.push(`{"serverContent":{"interrupted":true}}`)
	h.transport.push(`{"serverContent":{"modelTurn":{"parts":[{"text":"plain"}]}}}`)
	h.transport.push(`{"serverContent":{"outputTranscription":{"text":"Sorry,"}}}`)

	want := []string{"That is a ", "That is a ball valve.", "Aisle 7.", "plain", "Sorry,"}
	for i, w := range want {
		if got := receive(t, h.texts); got != w {
			t.Fatalf("text[%d] = %q, want %q", i, got, w)
		}
	}
}
