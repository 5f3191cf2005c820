package protocol

import "time"

// Transcript is a reconciled transcript update broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Provider  string    `json:"provider"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Sequence  int       `json:"sequence,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEvent reports a recognition session lifecycle transition.
type SessionEvent struct {
	SessionID  string    `json:"session_id"`
	Provider   string    `json:"provider"`
	Event      string    `json:"event"`
	Fallback   bool      `json:"fallback,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSessionPrefix     = "stt.session"
	SubjectNodeAnnounce      = "ctrl.node.announce"
	SubjectNodeHeartbeat     = "ctrl.node.heartbeat"
)

// SessionSubject returns the subject a lifecycle event is published on.
func SessionSubject(event string) string {
	return SubjectSessionPrefix + "." + event
}
