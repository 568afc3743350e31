package message

import (
	"context"
	"time"

	chatmodel "TeamChat/module/chat/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// IncrUnread bumps the unread counter with an atomic upsert. Safe
// under concurrent processors; the row is created on first touch.
func (s *Store) IncrUnread(ctx context.Context, userID, convID string, delta int64) error {
	_, err := s.ReadColl.UpdateOne(ctx,
		bson.M{
			chatmodel.ReadStateFieldUserID:         userID,
			chatmodel.ReadStateFieldConversationID: convID,
		},
		bson.M{
			"$inc": bson.M{chatmodel.ReadStateFieldUnreadCount: delta},
			"$setOnInsert": bson.M{chatmodel.ReadStateFieldLastSyncSeq: int64(0)},
		},
		mongoUpsert(),
	)
	return err
}

// AdvanceSyncSeq applies the forward-only rule to the durable cursor
// and returns the stored value after the update.
func (s *Store) AdvanceSyncSeq(ctx context.Context, userID, convID string, proposed int64) (int64, error) {
	res := s.ReadColl.FindOneAndUpdate(ctx,
		bson.M{
			chatmodel.ReadStateFieldUserID:         userID,
			chatmodel.ReadStateFieldConversationID: convID,
		},
		bson.M{"$max": bson.M{chatmodel.ReadStateFieldLastSyncSeq: proposed}},
		findOneAndUpdateUpsertAfter(),
	)
	var out chatmodel.ReadState
	if err := res.Decode(&out); err != nil && err != mongo.ErrNoDocuments {
		return 0, err
	}
	return out.LastSyncSeq, nil
}

// MarkReadTo records a read receipt: cursor forward-only, unread reset
// to the remaining gap (never negative).
func (s *Store) MarkReadTo(ctx context.Context, userID, convID string, upToSeq, maxSeq int64) error {
	remaining := maxSeq - upToSeq
	if remaining < 0 {
		remaining = 0
	}
	_, err := s.ReadColl.UpdateOne(ctx,
		bson.M{
			chatmodel.ReadStateFieldUserID:         userID,
			chatmodel.ReadStateFieldConversationID: convID,
		},
		bson.M{
			"$max": bson.M{chatmodel.ReadStateFieldLastSyncSeq: upToSeq},
			"$set": bson.M{
				chatmodel.ReadStateFieldLastReadAt:  time.Now().UnixMilli(),
				chatmodel.ReadStateFieldUnreadCount: remaining,
			},
		},
		mongoUpsert(),
	)
	return err
}

// GetReadState returns the durable cursor row; a zero-value row when
// the user has never synced this conversation.
func (s *Store) GetReadState(ctx context.Context, userID, convID string) (*chatmodel.ReadState, error) {
	var rs chatmodel.ReadState
	err := s.ReadColl.FindOne(ctx, bson.M{
		chatmodel.ReadStateFieldUserID:         userID,
		chatmodel.ReadStateFieldConversationID: convID,
	}).Decode(&rs)
	if err == mongo.ErrNoDocuments {
		return &chatmodel.ReadState{UserID: userID, ConversationID: convID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &rs, nil
}
