package model

const SeqConvTableName = "seq_conversation"

// SeqConversation is the durable sequence floor per conversation. The
// hot counter lives in Redis; this row is raised alongside each
// accepted message so the allocator can resume after a cache loss.
type SeqConversation struct {
	ConversationID string `bson:"conversation_id"`
	MaxSeq         int64  `bson:"max_seq"`
	UpdateTime     int64  `bson:"update_time"` // unix ms
}

func (SeqConversation) TableName() string { return SeqConvTableName }

const (
	SeqConvFieldConversationID = "conversation_id"
	SeqConvFieldMaxSeq         = "max_seq"
	SeqConvFieldUpdateTime     = "update_time"
)
