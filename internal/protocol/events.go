package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind tags one inbound event variant.
type Kind string

const (
	KindSetupComplete        Kind = "setup_complete"
	KindInterrupted          Kind = "interrupted"
	KindAudio                Kind = "audio"
	KindText                 Kind = "text"
	KindTurnComplete         Kind = "turn_complete"
	KindToolCall             Kind = "tool_call"
	KindToolCallCancellation Kind = "tool_call_cancellation"
	KindGoAway               Kind = "go_away"
	KindError                Kind = "error"
)

// Event is one inbound variant. A single wire frame can carry several.
type Event interface {
	Kind() Kind
}

type SetupComplete struct{}

type Interrupted struct{}

type Audio struct {
	MIMEType string
	Data     string
}

// Text is model text. Transcript fragments are incremental pieces of the
// spoken reply and belong together until the turn ends.
type Text struct {
	Text       string
	Transcript bool
}

type TurnComplete struct{}

type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type ToolCall struct {
	Calls []FunctionCall
}

type ToolCallCancellation struct {
	IDs []string
}

type GoAway struct {
	TimeLeft string
}

type ServerError struct {
	Code    int
	Status  string
	Message string
}

func (SetupComplete) Kind() Kind        { return KindSetupComplete }
func (Interrupted) Kind() Kind          { return KindInterrupted }
func (Audio) Kind() Kind                { return KindAudio }
func (Text) Kind() Kind                 { return KindText }
func (TurnComplete) Kind() Kind         { return KindTurnComplete }
func (ToolCall) Kind() Kind             { return KindToolCall }
func (ToolCallCancellation) Kind() Kind { return KindToolCallCancellation }
func (GoAway) Kind() Kind               { return KindGoAway }
func (ServerError) Kind() Kind          { return KindError }

func (e ServerError) Error() string {
	return fmt.Sprintf("live endpoint error %d %s: %s", e.Code, e.Status, e.Message)
}

type serverFrame struct {
	SetupComplete *json.RawMessage `json:"setupComplete"`
	ServerContent *struct {
		ModelTurn           *Content `json:"modelTurn"`
		Interrupted         bool     `json:"interrupted"`
		TurnComplete        bool     `json:"turnComplete"`
		OutputTranscription *struct {
			Text string `json:"text"`
		} `json:"outputTranscription"`
	} `json:"serverContent"`
	ToolCall *struct {
		FunctionCalls []FunctionCall `json:"functionCalls"`
	} `json:"toolCall"`
	ToolCallCancellation *struct {
		IDs []string `json:"ids"`
	} `json:"toolCallCancellation"`
	GoAway *struct {
		TimeLeft string `json:"timeLeft"`
	} `json:"goAway"`
	Error *struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseServerMessage splits one wire frame into events in dispatch order:
// an interruption always precedes any audio carried with it. Frames with no
// recognised content yield no events.
func ParseServerMessage(raw []byte) ([]Event, error) {
	var f serverFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("invalid server frame: %w", err)
	}

	var events []Event
	if f.SetupComplete != nil {
		events = append(events, SetupComplete{})
	}
	if sc := f.ServerContent; sc != nil {
		if sc.Interrupted {
			events = append(events, Interrupted{})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil && strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
					events = append(events, Audio{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data})
					continue
				}
				if strings.TrimSpace(p.Text) != "" {
					events = append(events, Text{Text: p.Text})
				}
			}
		}
		if sc.OutputTranscription != nil && strings.TrimSpace(sc.OutputTranscription.Text) != "" {
			events = append(events, Text{Text: sc.OutputTranscription.Text, Transcript: true})
		}
		if sc.TurnComplete {
			events = append(events, TurnComplete{})
		}
	}
	if tc := f.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		events = append(events, ToolCall{Calls: tc.FunctionCalls})
	}
	if c := f.ToolCallCancellation; c != nil && len(c.IDs) > 0 {
		events = append(events, ToolCallCancellation{IDs: c.IDs})
	}
	if f.GoAway != nil {
		events = append(events, GoAway{TimeLeft: f.GoAway.TimeLeft})
	}
	if f.Error != nil {
		events = append(events, ServerError{Code: f.Error.Code, Status: f.Error.Status, Message: f.Error.Message})
	}
	return events, nil
}

// SampleRateFromMIME extracts rate=N from an audio MIME descriptor.
func SampleRateFromMIME(mime string, fallback int) int {
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || strings.TrimSpace(k) != "rate" {
			continue
		}
		var rate int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &rate); err == nil && rate > 0 {
			return rate
		}
	}
	return fallback
}
