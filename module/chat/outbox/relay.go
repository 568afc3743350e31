package outbox

import (
	"context"
	"time"

	"TeamChat/logger"
	chatmodel "TeamChat/module/chat/model"
	errs "TeamChat/tools/errs"
	"TeamChat/tools/ids"
)

// Relay pushes ephemeral frames (typing, presence) through the same
// node-addressed delivery path as messages, with no storage and no
// retry. A lost typing indicator is not worth redelivering.
type Relay struct {
	Members Membership
	Router  Router
	Pub     Publisher
}

func NewRelay(members Membership, router Router, pub Publisher) *Relay {
	return &Relay{Members: members, Router: router, Pub: pub}
}

// RelayEphemeral fans an ephemeral event out to the online members of
// a conversation, excluding the originating user.
func (r *Relay) RelayEphemeral(ctx context.Context, kind, conversationID, fromUserID, state string) error {
	if conversationID == "" || fromUserID == "" {
		return errs.ErrArgs.WrapMsg("conversationID/fromUserID required")
	}
	members, err := r.Members.ListMembers(ctx, conversationID)
	if err != nil {
		return errs.ErrStoreFailed.WrapMsg(err.Error())
	}
	targets := make([]string, 0, len(members))
	for _, m := range members {
		if m != fromUserID {
			targets = append(targets, m)
		}
	}
	if len(targets) == 0 {
		return nil
	}
	routes, err := r.Router.BatchRoutes(ctx, targets)
	if err != nil {
		return errs.ErrRouteFailed.WrapMsg(err.Error())
	}

	byNode := make(map[string][]string)
	for userID, nodes := range routes {
		for _, nodeID := range nodes {
			byNode[nodeID] = append(byNode[nodeID], userID)
		}
	}
	now := time.Now().UnixMilli()
	for nodeID, users := range byNode {
		env := chatmodel.DeliverEnvelope{
			Kind:           kind,
			OutboxID:       ids.GenerateString(), // dedup id only
			ConversationID: conversationID,
			SenderID:       fromUserID,
			State:          state,
			CreatedAt:      now,
			TargetUserIDs:  users,
		}
		if err := r.Pub.PublishDownstream(ctx, nodeID, env); err != nil {
			logger.Warnf("[relay] %s publish failed node=%s: %v", kind, nodeID, err)
		}
	}
	return nil
}

// AnnounceOffline tells the online members of every conversation the
// user belongs to that their last session is gone. Gateways call it
// after tearing down or sweeping a user's final session.
func (r *Relay) AnnounceOffline(ctx context.Context, userID string) error {
	if userID == "" {
		return errs.ErrArgs.WrapMsg("userID required")
	}
	convs, err := r.Members.ListConversations(ctx, userID)
	if err != nil {
		return errs.ErrStoreFailed.WrapMsg(err.Error())
	}
	for _, convID := range convs {
		if err := r.RelayEphemeral(ctx, chatmodel.EnvelopePresence, convID, userID, "offline"); err != nil {
			logger.Warnf("[relay] offline announce failed user=%s conv=%s: %v", userID, convID, err)
		}
	}
	return nil
}
