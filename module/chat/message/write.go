package message

import (
	"context"
	"time"

	"TeamChat/service/mgo"
	chatmodel "TeamChat/module/chat/model"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// ErrDuplicateMessage reports that the (sender, clientMsgID) unique
// index rejected the insert; the caller re-reads the original row.
var ErrDuplicateMessage = errors.New("duplicate client message id")

// FindByClientMsgID looks up a prior submission by the client's
// idempotency key. Returns (nil, nil) when no duplicate exists.
func (s *Store) FindByClientMsgID(ctx context.Context, senderID, clientMsgID string) (*chatmodel.MessageModel, error) {
	var m chatmodel.MessageModel
	err := s.MsgColl.FindOne(ctx, bson.M{
		chatmodel.MsgFieldSenderID:    senderID,
		chatmodel.MsgFieldClientMsgID: clientMsgID,
	}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertAccepted persists the message, its outbox record, and the
// durable seq floor as one transaction. All-or-nothing: a failure
// leaves no partial message or orphan outbox row behind.
func (s *Store) InsertAccepted(ctx context.Context, m chatmodel.MessageModel, rec chatmodel.OutboxRecord) error {
	return mgo.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		if _, err := s.MsgColl.InsertOne(sessCtx, m); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return ErrDuplicateMessage
			}
			return err
		}
		if _, err := s.OutboxColl.InsertOne(sessCtx, rec); err != nil {
			return err
		}
		return s.RaiseSeqFloor(sessCtx, m.ConversationID, m.Seq)
	})
}

// RaiseSeqFloor advances the durable max_seq with $max so replays and
// races can never lower it.
func (s *Store) RaiseSeqFloor(ctx context.Context, convID string, seq int64) error {
	_, err := s.SeqConvColl.UpdateOne(ctx,
		bson.M{chatmodel.SeqConvFieldConversationID: convID},
		bson.M{
			"$max": bson.M{chatmodel.SeqConvFieldMaxSeq: seq},
			"$set": bson.M{chatmodel.SeqConvFieldUpdateTime: time.Now().UnixMilli()},
		},
		mongoUpsert(),
	)
	return err
}

// SeqFloor reads the durable floor; 0 for a conversation that has
// never seen a message.
func (s *Store) SeqFloor(ctx context.Context, convID string) (int64, error) {
	var sc chatmodel.SeqConversation
	err := s.SeqConvColl.FindOne(ctx,
		bson.M{chatmodel.SeqConvFieldConversationID: convID}).Decode(&sc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return sc.MaxSeq, nil
}
