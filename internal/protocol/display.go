package protocol

import "time"

// DisplayEventType identifies payloads streamed to the kiosk screen.
type DisplayEventType string

const (
	TypeKioskState  DisplayEventType = "kiosk_state"
	TypeKioskStatus DisplayEventType = "kiosk_status"
)

// DisplayEvent is one frame on the display websocket. kiosk_state carries
// the full screen state; kiosk_status only the connection status line.
type DisplayEvent struct {
	Type      DisplayEventType `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	Status    string           `json:"status,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	State     any              `json:"state,omitempty"`
	At        time.Time        `json:"at"`
}
