package message

import (
	"context"
	"time"

	chatmodel "TeamChat/module/chat/model"
	"TeamChat/service/mgo"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func findOneAndUpdateUpsertAfter() *options.FindOneAndUpdateOptions {
	return options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
}

// ClaimOutbox moves one record pending->processing. Only pending rows
// match: a record another worker holds, or one already terminal, claims
// false, which makes redelivered broker messages harmless. Stuck
// processing rows go back to pending through ListStaleOutbox.
func (s *Store) ClaimOutbox(ctx context.Context, outboxID string) (*chatmodel.OutboxRecord, bool, error) {
	res := s.OutboxColl.FindOneAndUpdate(ctx,
		bson.M{
			chatmodel.OutboxFieldID:     outboxID,
			chatmodel.OutboxFieldStatus: chatmodel.OutboxStatusPending,
		},
		bson.M{"$set": bson.M{chatmodel.OutboxFieldStatus: chatmodel.OutboxStatusProcessing}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var rec chatmodel.OutboxRecord
	if err := res.Decode(&rec); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &rec, true, nil
}

// ApplyFanoutEffects writes the unread increments and offline notices
// for one record, at most once across retries. The effects flag flips
// in the same transaction as the writes, so a record re-driven after a
// publish failure skips them instead of double counting. Returns
// whether this call applied them.
func (s *Store) ApplyFanoutEffects(ctx context.Context, outboxID string, unreadUserIDs []string, convID string, notices []chatmodel.OfflineNotice) (bool, error) {
	applied := false
	err := mgo.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		res, err := s.OutboxColl.UpdateOne(sessCtx,
			bson.M{
				chatmodel.OutboxFieldID:      outboxID,
				chatmodel.OutboxFieldEffects: bson.M{"$ne": true},
			},
			bson.M{"$set": bson.M{chatmodel.OutboxFieldEffects: true}},
		)
		if err != nil {
			return err
		}
		if res.ModifiedCount == 0 {
			// A previous attempt already got here.
			return nil
		}
		applied = true
		for _, userID := range unreadUserIDs {
			if err := s.IncrUnread(sessCtx, userID, convID, 1); err != nil {
				return err
			}
		}
		return s.InsertNotices(sessCtx, notices)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// CompleteOutbox marks the record done.
func (s *Store) CompleteOutbox(ctx context.Context, outboxID string) error {
	_, err := s.OutboxColl.UpdateOne(ctx,
		bson.M{chatmodel.OutboxFieldID: outboxID},
		bson.M{"$set": bson.M{
			chatmodel.OutboxFieldStatus:      chatmodel.OutboxStatusCompleted,
			chatmodel.OutboxFieldProcessedAt: time.Now().UnixMilli(),
		}},
	)
	return err
}

// RecordOutboxFailure increments retry_count atomically and compares
// the returned value against maxRetries: below the threshold the
// record goes back to pending for redelivery, at or above it becomes
// terminal failed. Returns terminal=true in the latter case.
func (s *Store) RecordOutboxFailure(ctx context.Context, outboxID, errMsg string, maxRetries int32) (bool, error) {
	res := s.OutboxColl.FindOneAndUpdate(ctx,
		bson.M{chatmodel.OutboxFieldID: outboxID},
		bson.M{
			"$inc": bson.M{chatmodel.OutboxFieldRetryCount: int32(1)},
			"$set": bson.M{chatmodel.OutboxFieldError: errMsg},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var rec chatmodel.OutboxRecord
	if err := res.Decode(&rec); err != nil {
		return false, err
	}

	status := chatmodel.OutboxStatusPending
	terminal := rec.RetryCount >= maxRetries
	if terminal {
		status = chatmodel.OutboxStatusFailed
	}
	_, err := s.OutboxColl.UpdateOne(ctx,
		bson.M{chatmodel.OutboxFieldID: outboxID},
		bson.M{"$set": bson.M{
			chatmodel.OutboxFieldStatus:      status,
			chatmodel.OutboxFieldProcessedAt: time.Now().UnixMilli(),
		}},
	)
	return terminal, err
}

// ListStaleOutbox finds records stuck in pending/processing past the
// staleness cutoff, the safety net for lost broker messages. A claim
// whose worker died leaves the row in processing forever; stale
// processing rows are pushed back to pending here so the re-drive can
// claim them again.
func (s *Store) ListStaleOutbox(ctx context.Context, olderThan time.Duration, limit int64) ([]chatmodel.OutboxRecord, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	cur, err := s.OutboxColl.Find(ctx,
		bson.M{
			chatmodel.OutboxFieldStatus:    bson.M{"$in": []string{chatmodel.OutboxStatusPending, chatmodel.OutboxStatusProcessing}},
			chatmodel.OutboxFieldCreatedAt: bson.M{"$lt": cutoff},
		},
		options.Find().
			SetSort(bson.D{{Key: chatmodel.OutboxFieldCreatedAt, Value: 1}}).
			SetLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []chatmodel.OutboxRecord
	var stuck []string
	for cur.Next(ctx) {
		var rec chatmodel.OutboxRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, err
		}
		if rec.Status == chatmodel.OutboxStatusProcessing {
			stuck = append(stuck, rec.ID)
			rec.Status = chatmodel.OutboxStatusPending
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if len(stuck) > 0 {
		_, err = s.OutboxColl.UpdateMany(ctx,
			bson.M{
				chatmodel.OutboxFieldID:     bson.M{"$in": stuck},
				chatmodel.OutboxFieldStatus: chatmodel.OutboxStatusProcessing,
			},
			bson.M{"$set": bson.M{chatmodel.OutboxFieldStatus: chatmodel.OutboxStatusPending}},
		)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListPendingNotices returns a user's unpushed offline notices,
// oldest first.
func (s *Store) ListPendingNotices(ctx context.Context, userID string, limit int64) ([]chatmodel.OfflineNotice, error) {
	cur, err := s.NoticeColl.Find(ctx,
		bson.M{
			chatmodel.NoticeFieldUserID: userID,
			chatmodel.NoticeFieldPushed: false,
		},
		options.Find().
			SetSort(bson.D{{Key: chatmodel.NoticeFieldCreatedAt, Value: 1}}).
			SetLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []chatmodel.OfflineNotice
	for cur.Next(ctx) {
		var n chatmodel.OfflineNotice
		if err := cur.Decode(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, cur.Err()
}

// MarkNoticesPushed flips delivered notices so they are not re-pushed.
func (s *Store) MarkNoticesPushed(ctx context.Context, noticeIDs []string) error {
	if len(noticeIDs) == 0 {
		return nil
	}
	_, err := s.NoticeColl.UpdateMany(ctx,
		bson.M{chatmodel.NoticeFieldID: bson.M{"$in": noticeIDs}},
		bson.M{"$set": bson.M{chatmodel.NoticeFieldPushed: true}},
	)
	return err
}

// InsertNotices stores offline-notification rows; unordered so one
// duplicate does not fail the batch.
func (s *Store) InsertNotices(ctx context.Context, notices []chatmodel.OfflineNotice) error {
	if len(notices) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(notices))
	for _, n := range notices {
		docs = append(docs, n)
	}
	_, err := s.NoticeColl.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	return err
}
