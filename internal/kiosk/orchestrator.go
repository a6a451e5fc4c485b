// Package kiosk decides when a voice session runs and bridges its tool calls
// to the store's collaborators.
package kiosk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/partskiosk/internal/analysis"
	"github.com/ent0n29/partskiosk/internal/audio"
	"github.com/ent0n29/partskiosk/internal/inventory"
	"github.com/ent0n29/partskiosk/internal/live"
	"github.com/ent0n29/partskiosk/internal/observability"
	"github.com/ent0n29/partskiosk/internal/protocol"
	"github.com/ent0n29/partskiosk/internal/redact"
	"github.com/ent0n29/partskiosk/internal/session"
	"github.com/ent0n29/partskiosk/internal/signage"
	"github.com/ent0n29/partskiosk/internal/vision"
)

// Phase is the coarse kiosk mode shown on screen.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseActive     Phase = "active"
)

// State is everything the kiosk display renders. Returning to idle resets it
// to the zero value plus PhaseIdle.
type State struct {
	Phase          Phase             `json:"phase"`
	SessionID      string            `json:"session_id,omitempty"`
	Status         string            `json:"status,omitempty"`
	Detail         string            `json:"detail,omitempty"`
	Listening      bool              `json:"listening"`
	Caption        string            `json:"caption,omitempty"`
	Part           *analysis.Result  `json:"part,omitempty"`
	InventoryQuery string            `json:"inventory_query,omitempty"`
	Inventory      []inventory.Item  `json:"inventory,omitempty"`
	Sign           *signage.Display  `json:"sign,omitempty"`
	LastEndReason  session.EndReason `json:"last_end_reason,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (s State) clone() State {
	c := s
	if s.Part != nil {
		p := *s.Part
		c.Part = &p
	}
	if s.Sign != nil {
		d := *s.Sign
		c.Sign = &d
	}
	c.Inventory = append([]inventory.Item(nil), s.Inventory...)
	return c
}

// Snapshotter returns a fresh camera still.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]byte, error)
}

// SignResolver maps an aisle to a display. It must not block or fail.
type SignResolver interface {
	Resolve(aisle string) signage.Display
}

// BaselineResetter invalidates the motion reference frame.
type BaselineResetter interface {
	Reset()
}

type Config struct {
	LiveModel           string
	Voice               string
	CaptureFrameSamples int
	ToolResumeDelay     time.Duration
	OpeningNudge        string
	AudioDumpDir        string
	SnapshotTimeout     time.Duration
	ToolTimeout         time.Duration
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Sessions  *session.Manager
	Dialer    live.Dialer
	Devices   audio.Devices
	Analyzer  analysis.Analyzer
	Inventory inventory.Store
	Signs     SignResolver
	Camera    Snapshotter
	Motion    BaselineResetter
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

const (
	analysisRetryText   = "I couldn't make out the part. Please hold it a little closer to the camera, in good light, and ask me again."
	snapshotRetryText   = "I couldn't get a picture from the camera. Please hold the part up to the camera and try again."
	aisleSignDisplayed  = "aisle_sign_displayed"
	maxItemsDescribed   = 5
	subscriberQueueSize = 8
)

// Orchestrator is the sole owner of the kiosk session lifecycle. At most one
// live session exists at a time; everything it learns is mirrored into State.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	now  func() time.Time

	mu      sync.Mutex
	client  *live.Client
	current string
	state   State
	subs    map[int]chan State
	nextSub int
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = 5 * time.Second
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:  cfg,
		deps: deps,
		log:  logger,
		now:  time.Now,
		subs: make(map[int]chan State),
	}
	o.state = State{Phase: PhaseIdle, UpdatedAt: o.now().UTC()}
	deps.Sessions.SetExpireHook(o.expire)
	return o
}

// State returns a copy of the current display state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// Subscribe streams display state changes. Slow subscribers miss
// intermediate states, never the channel itself.
func (o *Orchestrator) Subscribe() (<-chan State, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	ch := make(chan State, subscriberQueueSize)
	ch <- o.state.clone()
	o.subs[id] = ch
	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
	}
}

// OnMotion opens a session when motion is detected and the kiosk is idle.
// It reports whether a session was started.
func (o *Orchestrator) OnMotion(ctx context.Context, sig vision.Signal) (bool, error) {
	if !sig.Detected {
		return false, nil
	}
	o.mu.Lock()
	if o.current != "" {
		o.mu.Unlock()
		return false, nil
	}
	s, err := o.deps.Sessions.Open()
	if err != nil {
		o.mu.Unlock()
		if errors.Is(err, session.ErrSessionActive) {
			return false, nil
		}
		return false, err
	}
	o.current = s.ID
	o.setStateLocked(State{Phase: PhaseConnecting, SessionID: s.ID, Status: string(live.StatusConnecting)})
	o.mu.Unlock()

	o.log.Info("motion detected, opening session", zap.String("session_id", s.ID), zap.Float64("score", sig.Score))
	o.deps.Metrics.SessionEvent("opening")
	o.deps.Metrics.SetActiveSessions(o.deps.Sessions.ActiveCount())

	client, err := live.Open(ctx, live.Config{
		SessionID:           s.ID,
		Setup:               BuildSetup(o.cfg.LiveModel, o.cfg.Voice),
		CaptureSampleRate:   audio.CaptureSampleRate,
		CaptureFrameSamples: o.cfg.CaptureFrameSamples,
		PlaybackSampleRate:  audio.PlaybackSampleRate,
		ToolResumeDelay:     o.cfg.ToolResumeDelay,
		OpeningNudge:        o.cfg.OpeningNudge,
		DumpDir:             o.cfg.AudioDumpDir,
	}, live.Options{
		Dialer:  o.deps.Dialer,
		Devices: o.deps.Devices,
		Tools:   o.toolHandlers(s.ID),
		Hooks:   o.hooksFor(s.ID),
		Logger:  o.log,
		Metrics: o.deps.Metrics,
	})
	if err != nil {
		o.log.Warn("session start failed", zap.String("session_id", s.ID), zap.Error(err))
		o.deps.Metrics.SessionEvent("start_failed")
		o.returnToIdle(s.ID, session.EndStartFailed, err)
		return false, fmt.Errorf("start session: %w", err)
	}

	o.mu.Lock()
	if o.current != s.ID {
		// Ended while connecting; OnEnd already returned to idle.
		o.mu.Unlock()
		return false, nil
	}
	o.client = client
	o.mu.Unlock()
	o.deps.Metrics.SessionEvent("opened")

	// The janitor may have expired the record while the dial was in flight,
	// before there was a client to close.
	if rec, err := o.deps.Sessions.Get(s.ID); err == nil && rec.State == session.StateClosing {
		_ = client.CloseWithReason(session.EndInactivity)
	}
	return true, nil
}

// EndSession closes the live session, if any, and waits for the return to
// idle. It is a no-op when idle.
func (o *Orchestrator) EndSession(reason session.EndReason) error {
	o.mu.Lock()
	client := o.client
	o.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.CloseWithReason(reason)
}

// Shutdown ends any live session.
func (o *Orchestrator) Shutdown() error {
	return o.EndSession(session.EndShutdown)
}

// expire is the session manager's inactivity hook.
func (o *Orchestrator) expire(s *session.Session) {
	o.log.Info("session inactive, closing",
		zap.String("session_id", s.ID),
		zap.Time("last_activity_at", s.LastActivityAt),
	)
	o.mu.Lock()
	client := o.client
	current := o.current
	o.mu.Unlock()
	if client == nil || current != s.ID {
		return
	}
	_ = client.CloseWithReason(session.EndInactivity)
}

func (o *Orchestrator) hooksFor(id string) live.Hooks {
	sessions := o.deps.Sessions
	return live.Hooks{
		OnStatus: func(status live.Status, detail string) {
			if status == live.StatusConnected {
				_ = sessions.SetState(id, session.StateOpen)
			}
			o.update(id, func(st *State) {
				st.Status = string(status)
				st.Detail = detail
				if status == live.StatusConnected {
					st.Phase = PhaseActive
					st.Listening = true
				}
			})
		},
		OnActivity: func() { _ = sessions.Touch(id) },
		OnPause: func() {
			_ = sessions.SetState(id, session.StatePausedForTool)
			o.update(id, func(st *State) { st.Listening = false })
		},
		OnResume: func() {
			_ = sessions.SetState(id, session.StateOpen)
			o.update(id, func(st *State) { st.Listening = true })
		},
		OnInterrupted: func() { _ = sessions.Interrupt(id) },
		OnToolCall:    func(call protocol.FunctionCall) { _ = sessions.TrackTool(id, call.ID) },
		OnToolResponse: func(res live.ToolResult) {
			_ = sessions.ResolveTool(id, res.ID)
		},
		OnText: func(text string) {
			caption, _ := redact.Caption(strings.TrimSpace(text))
			o.update(id, func(st *State) { st.Caption = caption })
		},
		OnEnd: func(reason session.EndReason, err error) {
			o.returnToIdle(id, reason, err)
		},
	}
}

// returnToIdle frees the session slot, clears the display and invalidates
// the motion baseline. Calls for a session that is no longer current are
// ignored.
func (o *Orchestrator) returnToIdle(id string, reason session.EndReason, err error) {
	o.mu.Lock()
	if o.current != id {
		o.mu.Unlock()
		return
	}
	if _, cerr := o.deps.Sessions.Close(id, reason); cerr != nil {
		o.log.Warn("close session record", zap.String("session_id", id), zap.Error(cerr))
	}
	o.client = nil
	o.current = ""
	next := State{Phase: PhaseIdle, LastEndReason: reason}
	if err != nil {
		next.Status = string(live.StatusError)
		next.Detail = err.Error()
	}
	o.setStateLocked(next)
	if o.deps.Motion != nil {
		o.deps.Motion.Reset()
	}
	o.mu.Unlock()

	o.deps.Metrics.SessionEvent("ended_" + string(reason))
	o.deps.Metrics.SetActiveSessions(o.deps.Sessions.ActiveCount())
	o.log.Info("kiosk idle", zap.String("session_id", id), zap.String("reason", string(reason)))
}

// update mutates State only while id is the current session, so results
// arriving after the session ended are dropped.
func (o *Orchestrator) update(id string, fn func(*State)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != id {
		return false
	}
	next := o.state.clone()
	fn(&next)
	o.setStateLocked(next)
	return true
}

func (o *Orchestrator) setStateLocked(next State) {
	next.UpdatedAt = o.now().UTC()
	o.state = next
	for _, ch := range o.subs {
		snapshot := next.clone()
		select {
		case ch <- snapshot:
		default:
			// Drop the oldest queued state in favour of the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

func (o *Orchestrator) toolHandlers(id string) map[string]live.ToolHandler {
	return map[string]live.ToolHandler{
		ToolAnalyzePart:    func(ctx context.Context, call protocol.FunctionCall) (any, error) { return o.analyzePart(ctx, id, call) },
		ToolCheckInventory: func(ctx context.Context, call protocol.FunctionCall) (any, error) { return o.checkInventory(ctx, id, call) },
		ToolShowAisleSign:  func(ctx context.Context, call protocol.FunctionCall) (any, error) { return o.showAisleSign(id, call) },
	}
}

func (o *Orchestrator) analyzePart(ctx context.Context, id string, call protocol.FunctionCall) (any, error) {
	question := stringArg(call.Args, "userQuestion")

	snapCtx, cancel := context.WithTimeout(ctx, o.cfg.SnapshotTimeout)
	image, err := o.deps.Camera.Snapshot(snapCtx)
	cancel()
	if err != nil {
		o.log.Warn("snapshot failed", zap.String("session_id", id), zap.Error(err))
		return snapshotRetryText, nil
	}

	ctx, cancel = context.WithTimeout(ctx, o.cfg.ToolTimeout)
	defer cancel()
	res, err := o.deps.Analyzer.Analyze(ctx, image, question)
	if err != nil {
		o.log.Warn("part analysis failed", zap.String("session_id", id), zap.Error(err))
		return analysisRetryText, nil
	}
	o.update(id, func(st *State) {
		st.Part = &res
		st.Inventory = nil
		st.InventoryQuery = ""
		st.Sign = nil
	})
	return fmt.Sprintf("Identified part: %s. Instructions: %s", res.PartName, res.Instructions), nil
}

func (o *Orchestrator) checkInventory(ctx context.Context, id string, call protocol.FunctionCall) (any, error) {
	query := stringArg(call.Args, "query")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
	defer cancel()
	items, err := o.deps.Inventory.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("inventory search failed: %w", err)
	}
	o.update(id, func(st *State) {
		st.InventoryQuery = query
		st.Inventory = items
	})
	return DescribeItems(query, items), nil
}

func (o *Orchestrator) showAisleSign(id string, call protocol.FunctionCall) (any, error) {
	aisle := stringArg(call.Args, "aisleName")
	if aisle == "" {
		return nil, fmt.Errorf("aisleName is required")
	}
	d := o.deps.Signs.Resolve(aisle)
	o.update(id, func(st *State) { st.Sign = &d })
	return aisleSignDisplayed, nil
}

// DescribeItems renders search results as text for the voice model. It
// reports exactly what the store returned.
func DescribeItems(query string, items []inventory.Item) string {
	if len(items) == 0 {
		return fmt.Sprintf("No items found matching %q.", query)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d item(s) matching %q:", len(items), query)
	for i, it := range items {
		if i == maxItemsDescribed {
			fmt.Fprintf(&sb, " and %d more.", len(items)-i)
			break
		}
		stock := fmt.Sprintf("%d in stock", it.Quantity)
		if it.Quantity <= 0 {
			stock = "out of stock"
		}
		fmt.Fprintf(&sb, " %s, %s, %s, $%.2f;", it.Name, it.Aisle, stock, it.Price)
	}
	return strings.TrimSuffix(sb.String(), ";")
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}
