package message

import (
	"context"
	"fmt"

	chatmodel "TeamChat/module/chat/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store owns the durable side of the pipeline: messages, outbox
// records, read state, the seq floor, and offline notices. Single
// writer for message+outbox is the ingestion service.
type Store struct {
	MsgColl     *mongo.Collection
	OutboxColl  *mongo.Collection
	ReadColl    *mongo.Collection
	SeqConvColl *mongo.Collection
	NoticeColl  *mongo.Collection

	db *mongo.Database
}

func NewStore(db *mongo.Database) *Store {
	return &Store{
		MsgColl:     db.Collection(chatmodel.MessageTableName),
		OutboxColl:  db.Collection(chatmodel.OutboxTableName),
		ReadColl:    db.Collection(chatmodel.ReadStateTableName),
		SeqConvColl: db.Collection(chatmodel.SeqConvTableName),
		NoticeColl:  db.Collection(chatmodel.OfflineNoticeTableName),
		db:          db,
	}
}

// EnsureIndexes creates the indexes the pipeline relies on; only
// missing ones are created.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	collections := map[*mongo.Collection][]mongo.IndexModel{
		s.MsgColl: {
			{
				Keys: bson.D{
					{Key: chatmodel.MsgFieldConversationID, Value: 1},
					{Key: chatmodel.MsgFieldSeq, Value: 1}},
				Options: options.Index().SetUnique(true).SetName("uniq_conv_seq"),
			},
			{
				Keys: bson.D{
					{Key: chatmodel.MsgFieldSenderID, Value: 1},
					{Key: chatmodel.MsgFieldClientMsgID, Value: 1}},
				Options: options.Index().SetUnique(true).SetName("uniq_sender_clientmsg"),
			},
		},
		s.OutboxColl: {
			{
				Keys:    bson.D{{Key: chatmodel.OutboxFieldMessageID, Value: 1}},
				Options: options.Index().SetUnique(true).SetName("uniq_outbox_message"),
			},
			{
				Keys: bson.D{
					{Key: chatmodel.OutboxFieldStatus, Value: 1},
					{Key: chatmodel.OutboxFieldCreatedAt, Value: 1}},
				Options: options.Index().SetUnique(false).SetName("ix_outbox_status_age"),
			},
		},
		s.ReadColl: {{
			Keys: bson.D{
				{Key: chatmodel.ReadStateFieldUserID, Value: 1},
				{Key: chatmodel.ReadStateFieldConversationID, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_user_conv"),
		}},
		s.SeqConvColl: {{
			Keys:    bson.D{{Key: chatmodel.SeqConvFieldConversationID, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_conv"),
		}},
		s.NoticeColl: {{
			Keys: bson.D{
				{Key: chatmodel.NoticeFieldUserID, Value: 1},
				{Key: chatmodel.NoticeFieldPushed, Value: 1}},
			Options: options.Index().SetUnique(false).SetName("ix_notice_user_pushed"),
		}},
	}

	for coll, indexes := range collections {
		existing, err := coll.Indexes().ListSpecifications(ctx)
		if err != nil {
			return fmt.Errorf("list indexes for %s: %w", coll.Name(), err)
		}
		existingNames := make(map[string]struct{}, len(existing))
		for _, spec := range existing {
			existingNames[spec.Name] = struct{}{}
		}
		for _, idx := range indexes {
			if idx.Options != nil && idx.Options.Name != nil {
				if _, ok := existingNames[*idx.Options.Name]; ok {
					continue
				}
			}
			if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
				return fmt.Errorf("create index on %s: %w", coll.Name(), err)
			}
		}
	}
	return nil
}
