// Package live runs one streaming voice session against the live endpoint:
// microphone frames out, synthesized speech in, and tool calls answered on
// the same connection.
package live

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/partskiosk/internal/audio"
	"github.com/ent0n29/partskiosk/internal/observability"
	"github.com/ent0n29/partskiosk/internal/playback"
	"github.com/ent0n29/partskiosk/internal/protocol"
	"github.com/ent0n29/partskiosk/internal/reliability"
	"github.com/ent0n29/partskiosk/internal/session"
)

var (
	ErrClosed          = errors.New("live session closed")
	ErrAudioInProgress = errors.New("text input rejected: audio generation already started")

	errCriticalQueueFull = errors.New("critical send queue full")
)

// Status is the user-visible connection state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// ToolHandler executes one function call. The returned value becomes the
// response payload; an error becomes a failure payload. Handlers run on
// their own goroutine and may block.
type ToolHandler func(ctx context.Context, call protocol.FunctionCall) (any, error)

// ToolResult is reported after a tool response has been queued.
type ToolResult struct {
	ID      string
	Name    string
	Value   any
	Err     error
	Latency time.Duration
}

// Hooks observe the session. They run on the session goroutine, must return
// quickly, and must not call Close.
type Hooks struct {
	OnStatus       func(status Status, detail string)
	OnActivity     func()
	OnPause        func()
	OnResume       func()
	OnInterrupted  func()
	OnToolCall     func(call protocol.FunctionCall)
	OnToolResponse func(result ToolResult)
	OnText         func(text string)
	OnEnd          func(reason session.EndReason, err error)
}

type Config struct {
	SessionID           string
	Setup               protocol.Setup
	CaptureSampleRate   int
	CaptureFrameSamples int
	PlaybackSampleRate  int
	// ToolResumeDelay is the grace period between the last tool response and
	// unmuting the microphone. Resuming instantly races the endpoint's
	// turn-taking; the value is empirical.
	ToolResumeDelay time.Duration
	// OpeningNudge is sent as a user text turn once setup completes, and only
	// if no audio has arrived yet.
	OpeningNudge        string
	SendQueue           int
	WriteTimeout        time.Duration
	CriticalSendTimeout time.Duration
	DumpDir             string
}

func (c Config) withDefaults() Config {
	if c.CaptureSampleRate <= 0 {
		c.CaptureSampleRate = audio.CaptureSampleRate
	}
	if c.CaptureFrameSamples <= 0 {
		c.CaptureFrameSamples = 2048
	}
	if c.PlaybackSampleRate <= 0 {
		c.PlaybackSampleRate = audio.PlaybackSampleRate
	}
	if c.ToolResumeDelay < 0 {
		c.ToolResumeDelay = 0
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 32
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.CriticalSendTimeout <= 0 {
		c.CriticalSendTimeout = 2 * time.Second
	}
	return c
}

// Options carries the collaborators of a Client.
type Options struct {
	Dialer  Dialer
	Devices audio.Devices
	Tools   map[string]ToolHandler
	Hooks   Hooks
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

type inbound struct {
	raw []byte
	err error
}

type pendingCall struct {
	name   string
	cancel context.CancelFunc
}

// Client owns one connection plus the capture and output devices for the
// lifetime of a session. All session state is owned by a single event loop
// goroutine; device callbacks, tool goroutines and the writer only post
// into it.
type Client struct {
	cfg     Config
	tools   map[string]ToolHandler
	hooks   Hooks
	logger  *zap.Logger
	metrics *observability.Metrics

	transport Transport
	capture   audio.CaptureDevice
	sink      audio.OutputSink
	scheduler *playback.Scheduler
	dump      *audio.SessionDump

	inbound  chan inbound
	frames   chan []float32
	tasks    chan func()
	critical chan any
	audioOut chan any
	writeErr chan error
	closeReq chan session.EndReason

	done       chan struct{}
	writerDone chan struct{}
	finished   chan struct{}

	// Loop-owned state.
	ready        bool
	paused       bool
	audioStarted bool
	pending      map[string]*pendingCall
	unsent       int
	resumeTimer  *time.Timer
	resumeC      <-chan time.Time
	transcript   strings.Builder

	endOnce   sync.Once
	endReason session.EndReason
	endErr    error
}

// Open acquires the output and capture devices, dials the endpoint, sends
// the setup frame and starts the session. Any failure releases whatever was
// acquired before returning, so no partial session is left running.
func Open(ctx context.Context, cfg Config, opts Options) (*Client, error) {
	cfg = cfg.withDefaults()
	if opts.Dialer == nil {
		return nil, fmt.Errorf("live dialer is required")
	}
	if opts.Devices == nil {
		return nil, fmt.Errorf("audio devices are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session_id", cfg.SessionID))

	c := &Client{
		cfg:        cfg,
		tools:      opts.Tools,
		hooks:      opts.Hooks,
		logger:     logger,
		metrics:    opts.Metrics,
		inbound:    make(chan inbound, 16),
		frames:     make(chan []float32, 8),
		tasks:      make(chan func(), 64),
		critical:   make(chan any, 16),
		audioOut:   make(chan any, cfg.SendQueue),
		writeErr:   make(chan error, 1),
		closeReq:   make(chan session.EndReason, 1),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		finished:   make(chan struct{}),
		pending:    make(map[string]*pendingCall),
	}
	c.status(StatusConnecting, "")

	sink, err := opts.Devices.OpenOutput(cfg.PlaybackSampleRate)
	if err != nil {
		return nil, fmt.Errorf("open output device: %w", err)
	}
	capture, err := opts.Devices.OpenCapture(cfg.CaptureSampleRate, cfg.CaptureFrameSamples)
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("open capture device: %w", err)
	}
	release := func() {
		_ = capture.Close()
		_ = sink.Close()
	}

	transport, err := opts.Dialer.Dial(ctx)
	if err != nil {
		release()
		return nil, err
	}
	setupCtx, cancel := context.WithTimeout(ctx, cfg.WriteTimeout)
	err = transport.Send(setupCtx, protocol.SetupMessage{Setup: cfg.Setup})
	cancel()
	if err != nil {
		_ = transport.Close()
		release()
		return nil, fmt.Errorf("send setup: %w", err)
	}
	c.metrics.LiveMessage("outbound", "setup")

	c.transport = transport
	c.sink = sink
	c.capture = capture
	c.scheduler = playback.New(sink, c.postAsync)
	c.dump = audio.NewSessionDump(cfg.DumpDir, cfg.SessionID, "capture", cfg.CaptureSampleRate)

	if err := capture.Start(c.onCapture); err != nil {
		_ = transport.Close()
		release()
		return nil, fmt.Errorf("start capture: %w", err)
	}

	go c.readLoop()
	go c.writeLoop()
	go c.run()
	return c, nil
}

// Close ends the session as user-initiated and waits until every resource is
// released. Calling it more than once, or after the session ended on its
// own, is a no-op.
func (c *Client) Close() error {
	return c.CloseWithReason(session.EndUser)
}

// CloseWithReason is Close with an explicit end reason.
func (c *Client) CloseWithReason(reason session.EndReason) error {
	select {
	case c.closeReq <- reason:
	default:
	}
	<-c.finished
	return nil
}

// Done is closed once teardown has completed and OnEnd has returned.
func (c *Client) Done() <-chan struct{} { return c.finished }

// EndReason reports why the session ended. It is valid once Done is closed.
func (c *Client) EndReason() (session.EndReason, error) {
	<-c.finished
	return c.endReason, c.endErr
}

// SendText injects a user text turn. It is rejected once the endpoint has
// started sending audio, because injected content mid-generation can make
// the endpoint drop the connection.
func (c *Client) SendText(text string) error {
	errc := make(chan error, 1)
	if !c.post(func() { errc <- c.sendText(text) }) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-c.finished:
		return ErrClosed
	}
}

func (c *Client) onCapture(samples []float32) {
	select {
	case c.frames <- samples:
	default:
		c.metrics.AudioFrame("outbound", "dropped_backpressure")
	}
}

// post hands fn to the event loop. It reports false when the session has
// already ended; fn is then discarded.
func (c *Client) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.tasks <- fn:
		return true
	case <-c.done:
		return false
	}
}

// postAsync never blocks the caller. It is used from device threads and the
// writer.
func (c *Client) postAsync(fn func()) {
	select {
	case c.tasks <- fn:
	case <-c.done:
	default:
		go c.post(fn)
	}
}

func (c *Client) readLoop() {
	for {
		raw, err := c.transport.Receive()
		select {
		case c.inbound <- inbound{raw: raw, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case msg := <-c.critical:
			if !c.write(msg) {
				return
			}
			continue
		default:
		}
		select {
		case <-c.done:
			return
		case msg := <-c.critical:
			if !c.write(msg) {
				return
			}
		case msg := <-c.audioOut:
			if !c.write(msg) {
				return
			}
		}
	}
}

func (c *Client) write(msg any) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	err := c.transport.Send(ctx, msg)
	cancel()
	if err != nil {
		select {
		case c.writeErr <- fmt.Errorf("send %s: %w", protocol.OutboundType(msg), err):
		default:
		}
		return false
	}
	c.metrics.LiveMessage("outbound", protocol.OutboundType(msg))
	if resp, ok := msg.(protocol.ToolResponseMessage); ok {
		c.postAsync(func() { c.toolResponseSent(resp) })
	}
	return true
}

func (c *Client) run() {
	for {
		select {
		case reason := <-c.closeReq:
			c.finish(reason, nil)
			return
		case in := <-c.inbound:
			if in.err != nil {
				c.finishOnReadError(in.err)
				return
			}
			if err := c.handleMessage(in.raw); err != nil {
				c.metrics.TransportError("malformed_frame")
				c.finish(session.EndTransport, err)
				return
			}
		case err := <-c.writeErr:
			c.metrics.TransportError(reliability.TransportErrorCode(errors.Unwrap(err)))
			c.finish(session.EndTransport, err)
			return
		case frame := <-c.frames:
			c.handleFrame(frame)
		case fn := <-c.tasks:
			fn()
			if c.ended() {
				return
			}
		case <-c.resumeC:
			c.resumeC = nil
			c.resume()
		}
	}
}

func (c *Client) ended() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) finishOnReadError(err error) {
	if reliability.IsNormalClose(err) {
		c.finish(session.EndRemoteClosed, nil)
		return
	}
	c.metrics.TransportError(reliability.TransportErrorCode(err))
	c.finish(session.EndTransport, fmt.Errorf("receive: %w", err))
}

// handleMessage dispatches one inbound frame, facet by facet, in the order
// the parser yields them.
func (c *Client) handleMessage(raw []byte) error {
	events, err := protocol.ParseServerMessage(raw)
	if err != nil {
		return err
	}
	if c.hooks.OnActivity != nil {
		c.hooks.OnActivity()
	}
	for _, ev := range events {
		c.metrics.LiveMessage("inbound", string(ev.Kind()))
		c.dispatch(ev)
	}
	return nil
}

func (c *Client) dispatch(ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.SetupComplete:
		c.ready = true
		c.status(StatusConnected, "")
		if c.cfg.OpeningNudge != "" {
			if err := c.sendText(c.cfg.OpeningNudge); err != nil {
				c.logger.Debug("opening nudge skipped", zap.Error(err))
			}
		}
	case protocol.Interrupted:
		c.transcript.Reset()
		stopped := c.scheduler.Cancel()
		c.metrics.Interruption()
		c.logger.Debug("playback interrupted", zap.Int("segments_stopped", stopped))
		if c.hooks.OnInterrupted != nil {
			c.hooks.OnInterrupted()
		}
	case protocol.Audio:
		c.handleAudio(ev)
	case protocol.Text:
		text := ev.Text
		if ev.Transcript {
			c.transcript.WriteString(ev.Text)
			text = c.transcript.String()
		}
		if c.hooks.OnText != nil {
			c.hooks.OnText(text)
		}
	case protocol.TurnComplete:
		c.transcript.Reset()
		c.logger.Debug("turn complete", zap.Int("segments_active", c.scheduler.Active()))
	case protocol.ToolCall:
		c.handleToolCall(ev)
	case protocol.ToolCallCancellation:
		for _, id := range ev.IDs {
			if p, ok := c.pending[id]; ok {
				p.cancel()
				c.logger.Info("tool call cancelled", zap.String("call_id", id), zap.String("tool", p.name))
			}
		}
	case protocol.GoAway:
		c.logger.Warn("live endpoint going away", zap.String("time_left", ev.TimeLeft))
		c.status(StatusConnected, "endpoint closing soon")
	case protocol.ServerError:
		c.logger.Warn("live endpoint error", zap.Error(ev))
		c.status(StatusError, ev.Error())
	}
}

func (c *Client) handleAudio(ev protocol.Audio) {
	c.audioStarted = true
	pcm, err := audio.DecodeBlob(ev.Data)
	if err != nil {
		c.metrics.AudioFrame("inbound", "dropped_malformed")
		c.logger.Warn("dropping undecodable audio", zap.Error(err))
		return
	}
	rate := protocol.SampleRateFromMIME(ev.MIMEType, c.cfg.PlaybackSampleRate)
	if rate != c.cfg.PlaybackSampleRate {
		c.logger.Warn("unexpected playback sample rate",
			zap.Int("got", rate),
			zap.Int("want", c.cfg.PlaybackSampleRate),
		)
	}
	c.scheduler.Enqueue(audio.ToPlayable(pcm, rate, 1))
	c.metrics.AudioFrame("inbound", "scheduled")
}

func (c *Client) handleFrame(frame []float32) {
	switch {
	case !c.ready:
		c.metrics.AudioFrame("outbound", "dropped_not_ready")
		return
	case c.paused:
		c.metrics.AudioFrame("outbound", "dropped_paused")
		return
	}
	if c.dump != nil {
		c.dump.Append(audio.EncodePCM16(frame))
	}
	blob := audio.EncodeFrame(frame, c.cfg.CaptureSampleRate)
	select {
	case c.audioOut <- protocol.NewAudioInput(blob.MIMEType, blob.Data):
		c.metrics.AudioFrame("outbound", "queued")
	default:
		c.metrics.AudioFrame("outbound", "dropped_backpressure")
	}
}

func (c *Client) sendText(text string) error {
	if c.audioStarted {
		return ErrAudioInProgress
	}
	if !c.ready {
		return fmt.Errorf("live session not ready")
	}
	return c.enqueueCritical(protocol.NewUserText(text))
}

func (c *Client) enqueueCritical(msg any) error {
	select {
	case c.critical <- msg:
		return nil
	default:
	}
	timer := time.NewTimer(c.cfg.CriticalSendTimeout)
	defer timer.Stop()
	select {
	case c.critical <- msg:
		return nil
	case <-timer.C:
		return errCriticalQueueFull
	}
}

func (c *Client) handleToolCall(tc protocol.ToolCall) {
	c.stopResumeTimer()
	if !c.paused {
		c.paused = true
		if c.hooks.OnPause != nil {
			c.hooks.OnPause()
		}
	}
	for _, call := range tc.Calls {
		if _, dup := c.pending[call.ID]; dup {
			c.logger.Warn("duplicate tool call id ignored", zap.String("call_id", call.ID))
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		c.pending[call.ID] = &pendingCall{name: call.Name, cancel: cancel}
		c.logger.Info("tool call", zap.String("call_id", call.ID), zap.String("tool", call.Name))
		if c.hooks.OnToolCall != nil {
			c.hooks.OnToolCall(call)
		}
		go c.runTool(ctx, call)
	}
}

// runTool executes the handler off the loop. The handler's context is not
// tied to the session: work already in flight when the session ends runs to
// completion and its result is discarded by post.
func (c *Client) runTool(ctx context.Context, call protocol.FunctionCall) {
	started := time.Now()
	value, err := c.invoke(ctx, call)
	res := ToolResult{ID: call.ID, Name: call.Name, Value: value, Err: err, Latency: time.Since(started)}
	if !c.post(func() { c.completeTool(res) }) {
		c.logger.Debug("tool result discarded after session end", zap.String("call_id", call.ID))
	}
}

func (c *Client) invoke(ctx context.Context, call protocol.FunctionCall) (value any, err error) {
	handler, ok := c.tools[call.Name]
	if !ok || handler == nil {
		return nil, fmt.Errorf("unknown tool %q", call.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
		}
	}()
	return handler(ctx, call)
}

func (c *Client) completeTool(res ToolResult) {
	p, ok := c.pending[res.ID]
	if !ok {
		return
	}
	delete(c.pending, res.ID)
	p.cancel()

	payload := map[string]any{"result": res.Value}
	outcome := "ok"
	if res.Err != nil {
		payload = map[string]any{"error": res.Err.Error()}
		outcome = "error"
		c.logger.Warn("tool failed", zap.String("call_id", res.ID), zap.String("tool", res.Name), zap.Error(res.Err))
	}
	c.metrics.ObserveTool(res.Name, outcome, res.Latency)

	c.unsent++
	if err := c.enqueueCritical(protocol.NewToolResponse(res.ID, res.Name, payload)); err != nil {
		// The call can never be answered, so the endpoint would wait on it
		// forever while capture stays paused.
		c.unsent--
		c.metrics.TransportError("tool_response_blocked")
		c.finish(session.EndTransport, fmt.Errorf("queue tool response %s: %w", res.ID, err))
		return
	}
	if c.hooks.OnToolResponse != nil {
		c.hooks.OnToolResponse(res)
	}
}

func (c *Client) toolResponseSent(resp protocol.ToolResponseMessage) {
	if c.unsent > 0 {
		c.unsent--
	}
	for _, fr := range resp.ToolResponse.FunctionResponses {
		c.logger.Debug("tool response sent", zap.String("call_id", fr.ID), zap.String("tool", fr.Name))
	}
	if len(c.pending) > 0 || c.unsent > 0 {
		return
	}
	if c.cfg.ToolResumeDelay <= 0 {
		c.resume()
		return
	}
	c.stopResumeTimer()
	c.resumeTimer = time.NewTimer(c.cfg.ToolResumeDelay)
	c.resumeC = c.resumeTimer.C
}

func (c *Client) resume() {
	if !c.paused || len(c.pending) > 0 || c.unsent > 0 {
		return
	}
	c.paused = false
	if c.hooks.OnResume != nil {
		c.hooks.OnResume()
	}
}

func (c *Client) stopResumeTimer() {
	if c.resumeTimer != nil {
		c.resumeTimer.Stop()
		c.resumeTimer = nil
	}
	c.resumeC = nil
}

func (c *Client) status(s Status, detail string) {
	if c.hooks.OnStatus != nil {
		c.hooks.OnStatus(s, detail)
	}
}

// finish tears the session down exactly once: capture stops first so no new
// frames arrive, playback is cancelled before the sink closes, and the
// transport closes last to unblock the reader.
func (c *Client) finish(reason session.EndReason, err error) {
	c.endOnce.Do(func() {
		c.endReason = reason
		c.endErr = err
		close(c.done)
		c.stopResumeTimer()

		if cerr := c.capture.Close(); cerr != nil {
			c.logger.Warn("close capture device", zap.Error(cerr))
		}
		c.scheduler.Cancel()
		if cerr := c.sink.Close(); cerr != nil {
			c.logger.Warn("close output device", zap.Error(cerr))
		}
		_ = c.transport.Close()
		<-c.writerDone
		if cerr := c.dump.Close(); cerr != nil {
			c.logger.Warn("write audio dump", zap.Error(cerr))
		}

		fields := []zap.Field{zap.String("reason", string(reason)), zap.Int("pending_tools", len(c.pending))}
		if err != nil {
			fields = append(fields, zap.Error(err))
			c.status(StatusError, err.Error())
		}
		c.logger.Info("live session ended", fields...)
		c.status(StatusDisconnected, string(reason))
		if c.hooks.OnEnd != nil {
			c.hooks.OnEnd(reason, err)
		}
		close(c.finished)
	})
}
