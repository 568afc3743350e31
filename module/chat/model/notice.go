package model

const OfflineNoticeTableName = "offline_notice"

// OfflineNotice is the queued notification for a recipient who had no
// live session when the message was accepted. A downstream push
// service drains these; the pipeline only guarantees they exist.
type OfflineNotice struct {
	ID             string `bson:"notice_id"`
	UserID         string `bson:"user_id"`
	ConversationID string `bson:"conversation_id"`
	MessageID      string `bson:"message_id"`
	Seq            int64  `bson:"seq"`
	SenderID       string `bson:"sender_id"`
	Preview        string `bson:"preview"`
	CreatedAt      int64  `bson:"created_at"` // unix ms
	Pushed         bool   `bson:"pushed"`
}

func (OfflineNotice) TableName() string { return OfflineNoticeTableName }

const (
	NoticeFieldID        = "notice_id"
	NoticeFieldUserID    = "user_id"
	NoticeFieldMessageID = "message_id"
	NoticeFieldPushed    = "pushed"
	NoticeFieldCreatedAt = "created_at"
)
