package model

const ReadStateTableName = "user_conversation_read_state"

// ReadState is the per-(user, conversation) cursor row. LastSyncSeq is
// monotonic forward-only: every writer goes through $max, never a
// blind $set, because sync calls and post-acceptance work race.
type ReadState struct {
	UserID         string `bson:"user_id"`
	ConversationID string `bson:"conversation_id"`
	LastSyncSeq    int64  `bson:"last_sync_seq"`
	LastReadAt     int64  `bson:"last_read_at"` // unix ms
	UnreadCount    int64  `bson:"unread_count"`
}

func (ReadState) TableName() string { return ReadStateTableName }

const (
	ReadStateFieldUserID         = "user_id"
	ReadStateFieldConversationID = "conversation_id"
	ReadStateFieldLastSyncSeq    = "last_sync_seq"
	ReadStateFieldLastReadAt     = "last_read_at"
	ReadStateFieldUnreadCount    = "unread_count"
)
