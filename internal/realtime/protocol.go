package realtime

import "qms/branch-queue/internal/models"

// Client message types.
const (
	TypeSubscribe = "subscribe"
	TypePing      = "ping"
	TypeGetStatus = "get_status"
)

// Server message types.
const (
	TypeSubscribed = "subscribed"
	TypeEvent      = "event"
	TypeResync     = "resync"
	TypePong       = "pong"
	TypeStatus     = "status"
	TypeError      = "error"
)

// Close codes sent on the SockJS/WebSocket session.
const (
	CloseUnauthorized = 4001
	CloseSlowConsumer = 4008
	CloseShutdown     = 4009
)

type ClientMessage struct {
	Type      string `json:"type"`
	LastSeen  *int64 `json:"last_seen,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	TokenID   string `json:"token_id,omitempty"`
}

type ServerMessage struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	Room      string        `json:"room,omitempty"`
	Replayed  int           `json:"replayed,omitempty"`
	Sequence  int64         `json:"sequence,omitempty"`
	Event     *models.Event `json:"event,omitempty"`
	Token     *models.Token `json:"token,omitempty"`
	Error     *WireError    `json:"error,omitempty"`
}

type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
