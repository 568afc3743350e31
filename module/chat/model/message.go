package model

// Message content types. The frame-level event taxonomy lives in the
// gateway package; these only describe persisted message bodies.
const (
	ContentTypeText   int32 = 1
	ContentTypeImage  int32 = 2
	ContentTypeFile   int32 = 3
	ContentTypeSystem int32 = 4
)

const MessageTableName = "message"

// MessageModel is one persisted chat message. Immutable once created
// except the soft flags at the bottom.
type MessageModel struct {
	MsgID          string `bson:"msg_id"`          // server-assigned, globally unique
	ConversationID string `bson:"conversation_id"` // unit of ordering
	SenderID       string `bson:"sender_id"`
	ClientMsgID    string `bson:"client_msg_id"` // client-chosen idempotency key
	Seq            int64  `bson:"seq"`           // strictly increasing within the conversation
	ParentID       string `bson:"parent_id,omitempty"`
	RootID         string `bson:"root_id,omitempty"`
	Content        string `bson:"content"`
	ContentType    int32  `bson:"content_type"`
	Attachments    []string `bson:"attachments,omitempty"`
	CreatedAt      int64  `bson:"created_at"` // unix ms

	IsDeleted bool `bson:"is_deleted"`
	IsEdited  bool `bson:"is_edited"`
	IsPinned  bool `bson:"is_pinned"`
}

func (MessageModel) TableName() string { return MessageTableName }

const (
	MsgFieldMsgID          = "msg_id"
	MsgFieldConversationID = "conversation_id"
	MsgFieldSenderID       = "sender_id"
	MsgFieldClientMsgID    = "client_msg_id"
	MsgFieldSeq            = "seq"
	MsgFieldCreatedAt      = "created_at"
	MsgFieldIsDeleted      = "is_deleted"
)
