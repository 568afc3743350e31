package message

import (
	"context"

	chatmodel "TeamChat/module/chat/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func mongoUpsert() *options.UpdateOptions {
	return options.Update().SetUpsert(true)
}

// ListAfterSeq fetches up to limit messages with seq > afterSeq in
// ascending seq order. Soft-deleted rows are kept in the page (clients
// render tombstones) so seq ranges stay dense.
func (s *Store) ListAfterSeq(ctx context.Context, convID string, afterSeq int64, limit int64) ([]chatmodel.MessageModel, error) {
	cur, err := s.MsgColl.Find(ctx,
		bson.M{
			chatmodel.MsgFieldConversationID: convID,
			chatmodel.MsgFieldSeq:            bson.M{"$gt": afterSeq},
		},
		options.Find().
			SetSort(bson.D{{Key: chatmodel.MsgFieldSeq, Value: 1}}).
			SetLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []chatmodel.MessageModel
	for cur.Next(ctx) {
		var m chatmodel.MessageModel
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, cur.Err()
}

// MaxSeq is the durable answer to "what is the newest seq"; the cached
// watermark in Redis is preferred and this is the fallback.
func (s *Store) MaxSeq(ctx context.Context, convID string) (int64, error) {
	cur, err := s.MsgColl.Find(ctx,
		bson.M{chatmodel.MsgFieldConversationID: convID},
		options.Find().
			SetSort(bson.D{{Key: chatmodel.MsgFieldSeq, Value: -1}}).
			SetLimit(1).
			SetProjection(bson.M{chatmodel.MsgFieldSeq: 1}),
	)
	if err != nil {
		return 0, err
	}
	defer func() { _ = cur.Close(ctx) }()
	if cur.Next(ctx) {
		var m chatmodel.MessageModel
		if err := cur.Decode(&m); err != nil {
			return 0, err
		}
		return m.Seq, nil
	}
	return 0, cur.Err()
}
