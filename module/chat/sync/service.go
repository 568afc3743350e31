package sync

import (
	"context"

	"TeamChat/logger"
	chatmodel "TeamChat/module/chat/model"
	"TeamChat/module/user"
	errs "TeamChat/tools/errs"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Store is the durable read side.
type Store interface {
	ListAfterSeq(ctx context.Context, convID string, afterSeq int64, limit int64) ([]chatmodel.MessageModel, error)
	MaxSeq(ctx context.Context, convID string) (int64, error)
	AdvanceSyncSeq(ctx context.Context, userID, convID string, proposed int64) (int64, error)
	GetReadState(ctx context.Context, userID, convID string) (*chatmodel.ReadState, error)
	MarkReadTo(ctx context.Context, userID, convID string, upToSeq, maxSeq int64) error
}

// Cursors is the cache tier in front of the durable read state.
type Cursors interface {
	GetCursor(ctx context.Context, userID, convID string) (int64, bool, error)
	AdvanceCursor(ctx context.Context, userID, convID string, proposed int64) (int64, error)
	GetConvMax(ctx context.Context, convID string) (int64, bool, error)
	AdvanceConvMax(ctx context.Context, convID string, seq int64) error
}

// Access gates reads by membership.
type Access interface {
	CanRead(ctx context.Context, userID, conversationID string) (bool, error)
}

type Request struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	// AfterSeq < 0 means "from my stored cursor".
	AfterSeq int64 `json:"after_seq"`
	Limit    int64 `json:"limit"`
}

// Item is one synced message with sender display fields resolved.
type Item struct {
	chatmodel.MessageModel
	SenderNickname string `json:"sender_nickname,omitempty"`
	SenderFaceURL  string `json:"sender_face_url,omitempty"`
}

type Response struct {
	Items      []Item `json:"items"`
	NextCursor int64  `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
}

type Service struct {
	Store   Store
	Cursors Cursors
	Access  Access
	Users   user.Directory
}

func NewService(store Store, cursors Cursors, access Access, users user.Directory) *Service {
	return &Service{Store: store, Cursors: cursors, Access: access, Users: users}
}

// Sync returns messages after the caller's cursor in seq order and
// advances the cursor past what was returned. The cursor only moves
// forward; an empty page leaves it untouched.
func (s *Service) Sync(ctx context.Context, req Request) (*Response, error) {
	if req.UserID == "" || req.ConversationID == "" {
		return nil, errs.ErrArgs.WrapMsg("userID/conversationID required")
	}
	ok, err := s.Access.CanRead(ctx, req.UserID, req.ConversationID)
	if err != nil {
		return nil, errs.ErrStoreFailed.WrapMsg(err.Error())
	}
	if !ok {
		return nil, errs.ErrNotMember.WrapMsg("user", "user", req.UserID, "conv", req.ConversationID)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	after := req.AfterSeq
	if after < 0 {
		after, err = s.cursor(ctx, req.UserID, req.ConversationID)
		if err != nil {
			return nil, err
		}
	}

	// Cheap no-op check against the conversation high watermark before
	// touching the message collection.
	if maxSeq, found := s.convMax(ctx, req.ConversationID); found && maxSeq <= after {
		return &Response{Items: []Item{}, NextCursor: after, HasMore: false}, nil
	}

	// One extra row decides hasMore without a count query.
	msgs, err := s.Store.ListAfterSeq(ctx, req.ConversationID, after, limit+1)
	if err != nil {
		return nil, errs.ErrStoreFailed.WrapMsg(err.Error())
	}
	hasMore := int64(len(msgs)) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	if len(msgs) == 0 {
		return &Response{Items: []Item{}, NextCursor: after, HasMore: false}, nil
	}

	items := s.enrich(ctx, msgs)
	next := msgs[len(msgs)-1].Seq

	stored, err := s.advance(ctx, req.UserID, req.ConversationID, next)
	if err != nil {
		// Messages were read; a cursor store failure must not hide them.
		logger.Warnf("[sync] cursor advance failed user=%s conv=%s: %v", req.UserID, req.ConversationID, err)
	} else if stored > next {
		next = stored
	}

	return &Response{Items: items, NextCursor: next, HasMore: hasMore}, nil
}

// cursor reads cache first, falls back to the durable read state, and
// repopulates the cache on a miss.
func (s *Service) cursor(ctx context.Context, userID, convID string) (int64, error) {
	if v, found, err := s.Cursors.GetCursor(ctx, userID, convID); err == nil && found {
		return v, nil
	} else if err != nil {
		logger.Warnf("[sync] cursor cache read failed user=%s conv=%s: %v", userID, convID, err)
	}
	rs, err := s.Store.GetReadState(ctx, userID, convID)
	if err != nil {
		return 0, errs.ErrStoreFailed.WrapMsg(err.Error())
	}
	if rs.LastSyncSeq > 0 {
		if _, err := s.Cursors.AdvanceCursor(ctx, userID, convID, rs.LastSyncSeq); err != nil {
			logger.Warnf("[sync] cursor cache repopulate failed user=%s conv=%s: %v", userID, convID, err)
		}
	}
	return rs.LastSyncSeq, nil
}

// convMax reads the cached watermark, repopulating from the durable
// store on a miss. Unavailable watermark means "assume there is more".
func (s *Service) convMax(ctx context.Context, convID string) (int64, bool) {
	if v, found, err := s.Cursors.GetConvMax(ctx, convID); err == nil && found {
		return v, true
	}
	v, err := s.Store.MaxSeq(ctx, convID)
	if err != nil {
		return 0, false
	}
	if v > 0 {
		if err := s.Cursors.AdvanceConvMax(ctx, convID, v); err != nil {
			logger.Warnf("[sync] watermark repopulate failed conv=%s: %v", convID, err)
		}
	}
	return v, true
}

// advance moves the durable cursor and the cache, both forward-only.
func (s *Service) advance(ctx context.Context, userID, convID string, proposed int64) (int64, error) {
	stored, err := s.Store.AdvanceSyncSeq(ctx, userID, convID, proposed)
	if err != nil {
		return 0, errs.ErrCursorStore.WrapMsg(err.Error())
	}
	if _, err := s.Cursors.AdvanceCursor(ctx, userID, convID, stored); err != nil {
		logger.Warnf("[sync] cursor cache advance failed user=%s conv=%s: %v", userID, convID, err)
	}
	return stored, nil
}

// AckDelivered records that the client holds messages up to seq by
// advancing the sync cursor. The cursor is forward-only, so a late or
// repeated ack is a no-op.
func (s *Service) AckDelivered(ctx context.Context, userID, convID string, seq int64) error {
	if userID == "" || convID == "" || seq < 0 {
		return errs.ErrArgs.WrapMsg("userID/convID/seq required")
	}
	_, err := s.advance(ctx, userID, convID, seq)
	return err
}

// MarkRead records a read receipt up to a seq and recomputes the
// unread count against the conversation watermark.
func (s *Service) MarkRead(ctx context.Context, userID, convID string, upToSeq int64) error {
	if userID == "" || convID == "" || upToSeq < 0 {
		return errs.ErrArgs.WrapMsg("userID/convID/upToSeq required")
	}
	ok, err := s.Access.CanRead(ctx, userID, convID)
	if err != nil {
		return errs.ErrStoreFailed.WrapMsg(err.Error())
	}
	if !ok {
		return errs.ErrNotMember.WrapMsg("user", "user", userID, "conv", convID)
	}
	maxSeq, _ := s.convMax(ctx, convID)
	if err := s.Store.MarkReadTo(ctx, userID, convID, upToSeq, maxSeq); err != nil {
		return errs.ErrStoreFailed.WrapMsg(err.Error())
	}
	return nil
}

func (s *Service) enrich(ctx context.Context, msgs []chatmodel.MessageModel) []Item {
	senderSet := make(map[string]bool)
	senders := make([]string, 0, 4)
	for _, m := range msgs {
		if !senderSet[m.SenderID] {
			senderSet[m.SenderID] = true
			senders = append(senders, m.SenderID)
		}
	}
	displays, err := s.Users.BatchDisplay(ctx, senders)
	if err != nil {
		// Display data is decoration; deliver the messages regardless.
		logger.Warnf("[sync] sender lookup failed: %v", err)
		displays = nil
	}
	items := make([]Item, 0, len(msgs))
	for _, m := range msgs {
		it := Item{MessageModel: m}
		if d, ok := displays[m.SenderID]; ok {
			it.SenderNickname = d.Nickname
			it.SenderFaceURL = d.FaceURL
		}
		items = append(items, it)
	}
	return items
}
