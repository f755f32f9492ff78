package domain

import "time"

// Role identifies the author of a ledger message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session is a bounded span of continuous conversation for one
// conversation key. At most one session per key is active at a time.
type Session struct {
	ID              string
	ConversationKey string
	TopicID         string
	StartedAt       time.Time
	LastActiveAt    time.Time
}

// TurnMessage is a single ledger entry. Immutable once written; the
// ledger is append-only and ordered by Seq within a session.
type TurnMessage struct {
	SessionID string
	TopicID   string
	Role      Role
	Content   string
	Seq       int
	EventID   string
	Timestamp time.Time
}

// Passage is one retrieved knowledge-base excerpt. Ephemeral; never
// persisted beyond the turn that fetched it.
type Passage struct {
	Content string
	Score   float64
	Source  string
}

// ReplyMode selects the outbound delivery modality.
type ReplyMode string

const (
	ModeText  ReplyMode = "text"
	ModeAudio ReplyMode = "audio"
)

// ReplyStrategy is the classifier's per-turn output. ComplexityFactor
// is on a 0..1 scale.
type ReplyStrategy struct {
	Mode             ReplyMode
	ComplexityFactor float64
}

// DefaultStrategy is the fallback applied when classification fails.
func DefaultStrategy() ReplyStrategy {
	return ReplyStrategy{Mode: ModeText, ComplexityFactor: 0.5}
}

// DeliveryReceipt is the gateway's acknowledgement of an outbound send.
type DeliveryReceipt struct {
	MessageID string
	Status    string
}
