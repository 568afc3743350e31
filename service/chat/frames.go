package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"TeamChat/module/chat/ingest"
	chatmodel "TeamChat/module/chat/model"
)

// FrameType is a closed enum. Dispatch is keyed on it, so an unknown
// type is rejected at the parse boundary instead of silently dropped
// deeper in.
type FrameType int32

const (
	FrameConn     FrameType = 1  // server: connection established
	FrameAuth     FrameType = 2  // client: authenticate; server: auth result
	FramePing     FrameType = 3  // client: application-level keepalive
	FrameContent  FrameType = 4  // client: submit message
	FrameAck      FrameType = 5  // server: submit result
	FrameRead     FrameType = 6  // client: read receipt
	FrameTyping   FrameType = 7  // client+server: typing indicator
	FramePresence FrameType = 8  // server: member online/offline
	FrameDeliver  FrameType = 9  // server: message delivery
	FrameError    FrameType = 10 // server: request-scoped error
	FrameKick     FrameType = 11 // server: connection is being closed
)

func (t FrameType) Valid() bool {
	return t >= FrameConn && t <= FrameKick
}

func (t FrameType) String() string {
	switch t {
	case FrameConn:
		return "conn"
	case FrameAuth:
		return "auth"
	case FramePing:
		return "ping"
	case FrameContent:
		return "content"
	case FrameAck:
		return "ack"
	case FrameRead:
		return "read"
	case FrameTyping:
		return "typing"
	case FramePresence:
		return "presence"
	case FrameDeliver:
		return "deliver"
	case FrameError:
		return "error"
	case FrameKick:
		return "kick"
	default:
		return fmt.Sprintf("frame(%d)", int32(t))
	}
}

// Frame is the wire unit in both directions.
type Frame struct {
	Type    FrameType       `json:"type"`
	Ts      int64           `json:"ts"`
	AckID   string          `json:"ack_id,omitempty"` // client request id, echoed back
	Payload json.RawMessage `json:"payload,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	if !f.Type.Valid() {
		return nil, fmt.Errorf("unknown frame type %d", int32(f.Type))
	}
	return &f, nil
}

// ---- client payloads ----

type AuthPayload struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id,omitempty"`
}

type ContentPayload struct {
	ClientMsgID    string   `json:"client_msg_id"`
	ConversationID string   `json:"conversation_id"`
	Content        string   `json:"content"`
	ContentType    int32    `json:"content_type"`
	ParentID       string   `json:"parent_id,omitempty"`
	RootID         string   `json:"root_id,omitempty"`
	Attachments    []string `json:"attachments,omitempty"`
}

type AckPayload struct {
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
}

type ReadPayload struct {
	ConversationID string `json:"conversation_id"`
	UpToSeq        int64  `json:"up_to_seq"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	State          string `json:"state"` // started/stopped
}

// ---- server frame builders ----

func mustFrame(t FrameType, ackID string, payload any) []byte {
	f := Frame{Type: t, Ts: time.Now().UnixMilli(), AckID: ackID}
	if payload != nil {
		f.Payload, _ = json.Marshal(payload)
	}
	out, _ := json.Marshal(f)
	return out
}

func BuildConnAck(connID, nodeID string) []byte {
	return mustFrame(FrameConn, "", map[string]any{
		"conn_id": connID,
		"node_id": nodeID,
	})
}

func BuildAuthAck(userID, connID string, expireAt int64, pingInterval time.Duration) []byte {
	return mustFrame(FrameAuth, "", map[string]any{
		"ok":               true,
		"user_id":          userID,
		"conn_id":          connID,
		"token_expire_at":  expireAt,
		"ping_interval_ms": pingInterval.Milliseconds(),
	})
}

func BuildContentAck(ackID string, res *ingest.Result) []byte {
	return mustFrame(FrameAck, ackID, res)
}

type deliverPayload struct {
	MsgID          string `json:"msg_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Seq            int64  `json:"seq"`
	ContentType    int32  `json:"content_type"`
	Preview        string `json:"preview,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

func BuildDeliver(env chatmodel.DeliverEnvelope) []byte {
	return mustFrame(FrameDeliver, "", deliverPayload{
		MsgID:          env.MsgID,
		ConversationID: env.ConversationID,
		SenderID:       env.SenderID,
		Seq:            env.Seq,
		ContentType:    env.ContentType,
		Preview:        env.Preview,
		CreatedAt:      env.CreatedAt,
	})
}

func BuildTyping(env chatmodel.DeliverEnvelope) []byte {
	return mustFrame(FrameTyping, "", map[string]any{
		"conversation_id": env.ConversationID,
		"user_id":         env.SenderID,
		"state":           env.State,
	})
}

func BuildPresence(env chatmodel.DeliverEnvelope) []byte {
	return mustFrame(FramePresence, "", map[string]any{
		"conversation_id": env.ConversationID,
		"user_id":         env.SenderID,
		"state":           env.State,
	})
}

func BuildError(ackID string, code int, msg string) []byte {
	return mustFrame(FrameError, ackID, map[string]any{
		"code": code,
		"msg":  msg,
	})
}

func BuildKick(reason string) []byte {
	return mustFrame(FrameKick, "", map[string]any{"reason": reason})
}
