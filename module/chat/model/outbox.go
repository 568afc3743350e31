package model

// Outbox lifecycle: pending -> processing -> {completed | pending (retry) | failed}.
const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessing = "processing"
	OutboxStatusCompleted  = "completed"
	OutboxStatusFailed     = "failed"
)

const OutboxTableName = "outbox"

// OutboxPayload carries the denormalized message fields downstream
// processing needs, so the processor never refetches the message row.
type OutboxPayload struct {
	MsgID          string `bson:"msg_id" json:"msg_id"`
	ConversationID string `bson:"conversation_id" json:"conversation_id"`
	SenderID       string `bson:"sender_id" json:"sender_id"`
	Seq            int64  `bson:"seq" json:"seq"`
	ContentType    int32  `bson:"content_type" json:"content_type"`
	Preview        string `bson:"preview" json:"preview"` // truncated content for notifications
	CreatedAt      int64  `bson:"created_at" json:"created_at"`
	// OriginNodeID is the gateway that accepted the message. The
	// sender's sessions there were served by local echo, so the fan-out
	// worker skips them.
	OriginNodeID string `bson:"origin_node_id,omitempty" json:"origin_node_id,omitempty"`
}

// OutboxRecord is written in the same transaction as its message; it
// is the audit trail and manual-recovery source for post-acceptance
// work, not the primary delivery path.
type OutboxRecord struct {
	ID           string        `bson:"outbox_id"`
	MessageID    string        `bson:"message_id"`
	Payload      OutboxPayload `bson:"payload"`
	Status       string        `bson:"status"`
	RetryCount   int32         `bson:"retry_count"`
	// EffectsApplied flips once when unread counters and offline
	// notices are written; a retried record skips them.
	EffectsApplied bool `bson:"effects_applied,omitempty"`
	ErrorMessage string        `bson:"error_message,omitempty"`
	CreatedAt    int64         `bson:"created_at"` // unix ms
	ProcessedAt  int64         `bson:"processed_at,omitempty"`
}

func (OutboxRecord) TableName() string { return OutboxTableName }

const (
	OutboxFieldID          = "outbox_id"
	OutboxFieldMessageID   = "message_id"
	OutboxFieldStatus      = "status"
	OutboxFieldRetryCount  = "retry_count"
	OutboxFieldEffects     = "effects_applied"
	OutboxFieldError       = "error_message"
	OutboxFieldCreatedAt   = "created_at"
	OutboxFieldProcessedAt = "processed_at"
)
