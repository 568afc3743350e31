package model

// Envelope kinds. Message envelopes come from the outbox pipeline;
// typing and presence are ephemeral relays that never touch storage.
const (
	EnvelopeMessage  = "message"
	EnvelopeTyping   = "typing"
	EnvelopePresence = "presence"
)

// DeliverEnvelope is the cross-node delivery frame. The fan-out worker
// resolved the target users for one gateway node; the node only has to
// match local connections, never consult membership.
type DeliverEnvelope struct {
	Kind           string   `json:"kind"`
	OutboxID       string   `json:"outbox_id,omitempty"`
	MsgID          string   `json:"msg_id,omitempty"`
	ConversationID string   `json:"conversation_id"`
	SenderID       string   `json:"sender_id"`
	Seq            int64    `json:"seq,omitempty"`
	ContentType    int32    `json:"content_type,omitempty"`
	Preview        string   `json:"preview,omitempty"`
	State          string   `json:"state,omitempty"` // typing/presence state
	CreatedAt      int64    `json:"created_at"`
	// OriginNodeID is the gateway that accepted the message. The sender's
	// sessions there saw the local echo, so broadcast delivery skips them.
	OriginNodeID  string   `json:"origin_node_id,omitempty"`
	TargetUserIDs []string `json:"target_user_ids"`
}
