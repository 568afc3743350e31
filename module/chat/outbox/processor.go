package outbox

import (
	"context"
	"time"

	"TeamChat/logger"
	chatmodel "TeamChat/module/chat/model"
	errs "TeamChat/tools/errs"
	"TeamChat/tools/ids"
)

const (
	// DefaultMaxRetries bounds redelivery before a record turns failed.
	DefaultMaxRetries int32 = 5

	// DefaultStaleAfter is how long a pending/processing record may sit
	// before the rescan re-drives it.
	DefaultStaleAfter = 2 * time.Minute

	// BroadcastFanoutNodes is the node-count threshold past which one
	// broadcast publish replaces per-node publishes; every gateway
	// filters by TargetUserIDs locally.
	BroadcastFanoutNodes = 8

	rescanBatch = 200
)

// Store is the durable side the processor needs.
type Store interface {
	ClaimOutbox(ctx context.Context, outboxID string) (*chatmodel.OutboxRecord, bool, error)
	CompleteOutbox(ctx context.Context, outboxID string) error
	RecordOutboxFailure(ctx context.Context, outboxID, errMsg string, maxRetries int32) (bool, error)
	ListStaleOutbox(ctx context.Context, olderThan time.Duration, limit int64) ([]chatmodel.OutboxRecord, error)
	ApplyFanoutEffects(ctx context.Context, outboxID string, unreadUserIDs []string, convID string, notices []chatmodel.OfflineNotice) (bool, error)
}

// Membership resolves who is in a conversation and which
// conversations a user belongs to.
type Membership interface {
	ListMembers(ctx context.Context, conversationID string) ([]string, error)
	ListConversations(ctx context.Context, userID string) ([]string, error)
}

// Router maps online users to the gateway nodes holding their
// connections.
type Router interface {
	BatchRoutes(ctx context.Context, userIDs []string) (map[string][]string, error)
}

// Publisher pushes resolved envelopes toward gateway nodes.
type Publisher interface {
	PublishDownstream(ctx context.Context, nodeID string, env chatmodel.DeliverEnvelope) error
	PublishBroadcast(ctx context.Context, env chatmodel.DeliverEnvelope) error
	PublishDeadLetter(ctx context.Context, rec chatmodel.OutboxRecord, reason string) error
}

// Enqueuer re-enqueues a record on the task queue.
type Enqueuer interface {
	EnqueueOutbox(ctx context.Context, rec chatmodel.OutboxRecord) error
}

type Processor struct {
	Store      Store
	Members    Membership
	Router     Router
	Pub        Publisher
	MaxRetries int32
}

func NewProcessor(store Store, members Membership, router Router, pub Publisher) *Processor {
	return &Processor{
		Store:      store,
		Members:    members,
		Router:     router,
		Pub:        pub,
		MaxRetries: DefaultMaxRetries,
	}
}

// Process drives one outbox record to completion: resolve recipients,
// bump unread counters, push to the nodes holding live connections,
// store offline notices for everyone else. Safe to call twice for the
// same record: the pending-only claim gates concurrent workers, and
// the effects flag keeps counters from re-applying on a retry.
func (p *Processor) Process(ctx context.Context, outboxID string) error {
	rec, ok, err := p.Store.ClaimOutbox(ctx, outboxID)
	if err != nil {
		return p.fail(ctx, outboxID, nil, err)
	}
	if !ok {
		// Claimed elsewhere or already terminal.
		return nil
	}

	members, err := p.Members.ListMembers(ctx, rec.Payload.ConversationID)
	if err != nil {
		return p.fail(ctx, outboxID, rec, err)
	}

	recipients := make([]string, 0, len(members))
	for _, m := range members {
		if m != rec.Payload.SenderID {
			recipients = append(recipients, m)
		}
	}

	// The sender's other devices receive the envelope too, so delivery
	// targets every member; unread stays recipient-only.
	routes, err := p.Router.BatchRoutes(ctx, members)
	if err != nil {
		return p.fail(ctx, outboxID, rec, err)
	}

	byNode := make(map[string][]string)
	online := make(map[string]bool, len(routes))
	for userID, nodes := range routes {
		online[userID] = true
		for _, nodeID := range nodes {
			// The accepting node already echoed to the sender's local
			// sessions.
			if userID == rec.Payload.SenderID && nodeID == rec.Payload.OriginNodeID {
				continue
			}
			byNode[nodeID] = append(byNode[nodeID], userID)
		}
	}

	// Counters and notices go first, behind the record's one-shot
	// effects flag. A publish failure after this point retries the
	// publish only; the effects are not applied twice.
	var notices []chatmodel.OfflineNotice
	now := time.Now().UnixMilli()
	for _, userID := range recipients {
		if online[userID] {
			continue
		}
		notices = append(notices, chatmodel.OfflineNotice{
			ID:             ids.GenerateString(),
			UserID:         userID,
			ConversationID: rec.Payload.ConversationID,
			MessageID:      rec.Payload.MsgID,
			Seq:            rec.Payload.Seq,
			SenderID:       rec.Payload.SenderID,
			Preview:        rec.Payload.Preview,
			CreatedAt:      now,
		})
	}
	if _, err := p.Store.ApplyFanoutEffects(ctx, outboxID, recipients, rec.Payload.ConversationID, notices); err != nil {
		return p.fail(ctx, outboxID, rec, err)
	}

	env := chatmodel.DeliverEnvelope{
		Kind:           chatmodel.EnvelopeMessage,
		OutboxID:       rec.ID,
		MsgID:          rec.Payload.MsgID,
		ConversationID: rec.Payload.ConversationID,
		SenderID:       rec.Payload.SenderID,
		Seq:            rec.Payload.Seq,
		ContentType:    rec.Payload.ContentType,
		Preview:        rec.Payload.Preview,
		CreatedAt:      rec.Payload.CreatedAt,
		OriginNodeID:   rec.Payload.OriginNodeID,
	}
	if len(byNode) >= BroadcastFanoutNodes {
		// Wide conversations publish once; every node filters locally.
		seen := make(map[string]bool)
		for _, users := range byNode {
			for _, u := range users {
				if !seen[u] {
					seen[u] = true
					env.TargetUserIDs = append(env.TargetUserIDs, u)
				}
			}
		}
		if err := p.Pub.PublishBroadcast(ctx, env); err != nil {
			return p.fail(ctx, outboxID, rec, err)
		}
	} else {
		for nodeID, users := range byNode {
			env.TargetUserIDs = users
			if err := p.Pub.PublishDownstream(ctx, nodeID, env); err != nil {
				return p.fail(ctx, outboxID, rec, err)
			}
		}
	}

	return p.Store.CompleteOutbox(ctx, outboxID)
}

// fail records the attempt; a terminal record is dead-lettered for
// operator attention instead of retried forever.
func (p *Processor) fail(ctx context.Context, outboxID string, rec *chatmodel.OutboxRecord, cause error) error {
	terminal, err := p.Store.RecordOutboxFailure(ctx, outboxID, cause.Error(), p.MaxRetries)
	if err != nil {
		logger.Errorf("[outbox] record failure lost outbox=%s: %v (cause: %v)", outboxID, err, cause)
		return cause
	}
	if terminal {
		logger.Errorf("[outbox] terminal failure outbox=%s: %v", outboxID, cause)
		if rec != nil {
			if derr := p.Pub.PublishDeadLetter(ctx, *rec, cause.Error()); derr != nil {
				logger.Errorf("[outbox] dead-letter publish failed outbox=%s: %v", outboxID, derr)
			}
		}
		return errs.ErrOutboxTerminal.WrapMsg(cause.Error())
	}
	return cause
}

// RescanStale re-enqueues records stuck past the cutoff. Run it on a
// timer; event delivery stays the primary path.
func (p *Processor) RescanStale(ctx context.Context, q Enqueuer, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = DefaultStaleAfter
	}
	stale, err := p.Store.ListStaleOutbox(ctx, olderThan, rescanBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range stale {
		if err := q.EnqueueOutbox(ctx, rec); err != nil {
			logger.Warnf("[outbox] rescan enqueue failed outbox=%s: %v", rec.ID, err)
			continue
		}
		n++
	}
	if n > 0 {
		logger.Infof("[outbox] rescan re-enqueued %d stale records", n)
	}
	return n, nil
}
