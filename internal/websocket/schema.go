package websocket

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	// ActionWarning reports a proctoring violation observed by the client.
	ActionWarning Action = "warning"
	// ActionCheckpoint asks the server to persist the current elapsed time.
	ActionCheckpoint Action = "checkpoint"
	ActionPing       Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// WarningRequest is sent by the client to report a proctoring violation.
type WarningRequest struct {
	Action Action `json:"action"`
	Kind   string `json:"kind"` // e.g. "tab_switch", "fullscreen_exit"
}

// CheckpointRequest is sent by the client to checkpoint elapsed time.
type CheckpointRequest struct {
	Action         Action `json:"action"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError Event = "error"
	EventAck   Event = "ack"
	EventPong  Event = "pong"
	// EventSession wraps a session lifecycle event (tick, warning, breach,
	// expired, forced, finalized) for the stream.
	EventSession Event = "session"
)

type AckResponse struct {
	Event    Event `json:"event"`
	Warnings int   `json:"warnings,omitempty"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}

// SessionEventResponse carries one session lifecycle event to the client.
type SessionEventResponse struct {
	Event   Event       `json:"event"`
	Payload interface{} `json:"payload"`
}
