package ingest

import (
	"context"
	"time"

	"TeamChat/logger"
	chatmsg "TeamChat/module/chat/message"
	chatmodel "TeamChat/module/chat/model"
	errs "TeamChat/tools/errs"
	"TeamChat/tools/ids"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const previewLimit = 120

// Submission statuses returned to the gateway.
const (
	StatusCreated   = "created"
	StatusDuplicate = "duplicate"
)

// Input is one inbound message from a connection node.
type Input struct {
	ClientMsgID    string   `json:"client_msg_id"`
	ConversationID string   `json:"conversation_id"`
	SenderID       string   `json:"sender_id"`
	Content        string   `json:"content"`
	ContentType    int32    `json:"content_type"`
	ParentID       string   `json:"parent_id,omitempty"`
	RootID         string   `json:"root_id,omitempty"`
	Attachments    []string `json:"attachments,omitempty"`
	// NodeID is the accepting gateway, recorded so fan-out can skip
	// the sender sessions that already saw the local echo.
	NodeID string `json:"node_id,omitempty"`
}

// Result is returned synchronously; the gateway fans out locally on
// StatusCreated without waiting for the broker hop.
type Result struct {
	MessageID string `json:"message_id"`
	Seq       int64  `json:"seq"`
	Status    string `json:"status"`
}

// MessageStore is the durable half the service needs.
type MessageStore interface {
	FindByClientMsgID(ctx context.Context, senderID, clientMsgID string) (*chatmodel.MessageModel, error)
	InsertAccepted(ctx context.Context, m chatmodel.MessageModel, rec chatmodel.OutboxRecord) error
}

// SeqAllocator issues the per-conversation sequence number.
type SeqAllocator interface {
	Next(ctx context.Context, conversationID string) (int64, error)
}

// TaskQueue enqueues the post-acceptance work record on the durable
// broker after the transaction commits.
type TaskQueue interface {
	EnqueueOutbox(ctx context.Context, rec chatmodel.OutboxRecord) error
}

// WatermarkCache mirrors the conversation high watermark for the sync
// service's cache-first read.
type WatermarkCache interface {
	AdvanceConvMax(ctx context.Context, convID string, seq int64) error
}

type Service struct {
	Store   MessageStore
	Seq     SeqAllocator
	Tasks   TaskQueue
	Marks   WatermarkCache
}

func NewService(store MessageStore, alloc SeqAllocator, tasks TaskQueue, marks WatermarkCache) *Service {
	return &Service{Store: store, Seq: alloc, Tasks: tasks, Marks: marks}
}

// Submit validates, deduplicates, persists, and sequences one message.
// Duplicate submission is not an error: the original result is
// returned so client retries are safe.
func (s *Service) Submit(ctx context.Context, in Input) (*Result, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	// Fast duplicate path.
	if existing, err := s.Store.FindByClientMsgID(ctx, in.SenderID, in.ClientMsgID); err != nil {
		return nil, errs.ErrStoreFailed.WrapMsg(err.Error())
	} else if existing != nil {
		return &Result{MessageID: existing.MsgID, Seq: existing.Seq, Status: StatusDuplicate}, nil
	}

	// No message is accepted without a seq: allocator failure fails
	// the whole submission.
	seqNo, err := s.Seq.Next(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	m := chatmodel.MessageModel{
		MsgID:          ids.GenerateString(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		ClientMsgID:    in.ClientMsgID,
		Seq:            seqNo,
		ParentID:       in.ParentID,
		RootID:         in.RootID,
		Content:        in.Content,
		ContentType:    in.ContentType,
		Attachments:    in.Attachments,
		CreatedAt:      now,
	}
	rec := chatmodel.OutboxRecord{
		ID:        uuid.NewString(),
		MessageID: m.MsgID,
		Payload: chatmodel.OutboxPayload{
			MsgID:          m.MsgID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			Seq:            m.Seq,
			ContentType:    m.ContentType,
			Preview:        preview(m.Content),
			CreatedAt:      now,
			OriginNodeID:   in.NodeID,
		},
		Status:    chatmodel.OutboxStatusPending,
		CreatedAt: now,
	}

	if err := s.Store.InsertAccepted(ctx, m, rec); err != nil {
		// A concurrent retry with the same clientMsgID can win the
		// race between the dedup check and the insert; the unique
		// index turns that into a duplicate, not a second row.
		if errors.Is(err, chatmsg.ErrDuplicateMessage) {
			existing, ferr := s.Store.FindByClientMsgID(ctx, in.SenderID, in.ClientMsgID)
			if ferr == nil && existing != nil {
				return &Result{MessageID: existing.MsgID, Seq: existing.Seq, Status: StatusDuplicate}, nil
			}
		}
		return nil, errs.ErrStoreFailed.WrapMsg(err.Error())
	}

	if err := s.Marks.AdvanceConvMax(ctx, m.ConversationID, m.Seq); err != nil {
		// Cache only; sync falls back to the durable store.
		logger.Warnf("[ingest] watermark cache advance failed conv=%s seq=%d: %v", m.ConversationID, m.Seq, err)
	}
	if err := s.Tasks.EnqueueOutbox(ctx, rec); err != nil {
		// The outbox row exists; the staleness rescan re-drives it.
		logger.Errorf("[ingest] task enqueue failed outbox=%s: %v", rec.ID, err)
	}

	return &Result{MessageID: m.MsgID, Seq: m.Seq, Status: StatusCreated}, nil
}

func validate(in Input) error {
	if in.ClientMsgID == "" || in.ConversationID == "" || in.SenderID == "" {
		return errs.ErrArgs.WrapMsg("clientMsgID/conversationID/senderID required")
	}
	if in.ContentType == 0 {
		return errs.ErrArgs.WrapMsg("content type required")
	}
	if in.ContentType == chatmodel.ContentTypeText && in.Content == "" {
		return errs.ErrEmptyContent.WrapMsg("conversation", "conv", in.ConversationID)
	}
	return nil
}

func preview(content string) string {
	r := []rune(content)
	if len(r) <= previewLimit {
		return content
	}
	return string(r[:previewLimit])
}
