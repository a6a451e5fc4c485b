package session

import "time"

// State is a session lifecycle stage.
type State string

const (
	StateConnecting    State = "CONNECTING"
	StateOpen          State = "OPEN"
	StatePausedForTool State = "PAUSED_FOR_TOOL"
	StateClosing       State = "CLOSING"
	StateClosed        State = "CLOSED"
)

// EndReason records why a session ended.
type EndReason string

const (
	EndRemoteClosed EndReason = "remote_closed"
	EndTransport    EndReason = "transport_error"
	EndInactivity   EndReason = "inactivity"
	EndUser         EndReason = "user_ended"
	EndStartFailed  EndReason = "start_failed"
	EndShutdown     EndReason = "shutdown"
)

// Session is one end-to-end kiosk conversation.
type Session struct {
	ID             string    `json:"session_id"`
	State          State     `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	PendingTools   []string  `json:"pending_tools"`
	Interruptions  int       `json:"interruptions"`
	EndReason      EndReason `json:"end_reason,omitempty"`
}

func (s *Session) live() bool {
	return s.State != StateClosed
}
