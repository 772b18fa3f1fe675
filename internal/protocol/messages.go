package protocol

import "time"

// StageEvent mirrors a pipeline stage transition on the bus. It never
// carries transcripts or replies.
type StageEvent struct {
	RequestID  string    `json:"request_id"`
	SessionID  string    `json:"session_id"`
	Path       string    `json:"path"`
	Stage      string    `json:"stage"`
	Kind       string    `json:"kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Degraded   bool      `json:"degraded,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChatRequest asks for a text turn over the bus.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// ChatReply answers a ChatRequest. Exactly one of Reply or Error is set.
type ChatReply struct {
	Reply string `json:"reply,omitempty"`
	Error string `json:"error,omitempty"`
}

// Capability is one provider a node advertises, such as the recognizer it
// runs and the model behind it.
type Capability struct {
	Name       string            `json:"name"`
	Provider   string            `json:"provider,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeAnnounce is published once when a node joins the bus.
type NodeAnnounce struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NodeHeartbeat is published periodically while a node is alive.
type NodeHeartbeat struct {
	NodeID         string    `json:"node_id"`
	ActiveSessions int       `json:"active_sessions"`
	Timestamp      time.Time `json:"timestamp"`
}

const (
	SubjectStagePrefix     = "s2s.stage"
	SubjectChatRequest     = "s2s.chat.request"
	SubjectNodeAnnounce    = "s2s.node.announce"
	SubjectHeartbeatPrefix = "s2s.node.heartbeat"
)

// HeartbeatSubject returns the per-node heartbeat subject.
func HeartbeatSubject(nodeID string) string {
	return SubjectHeartbeatPrefix + "." + nodeID
}

// StageSubject returns the subject a stage event is published on, for
// example "s2s.stage.transcribed".
func StageSubject(stage string) string {
	return SubjectStagePrefix + "." + stage
}
