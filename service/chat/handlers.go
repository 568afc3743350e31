package chat

import (
	"context"
	"encoding/json"
	"time"

	"TeamChat/logger"
	"TeamChat/module/chat/ingest"
	chatmodel "TeamChat/module/chat/model"
	"TeamChat/service/storage"
	errs "TeamChat/tools/errs"
)

const handlerTimeout = 5 * time.Second

func handlerCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), handlerTimeout)
}

func sendErr(c *Client, ackID string, err error) {
	code := errs.Code(err)
	if code == 0 {
		code = errs.ErrStoreFailed.Code
	}
	c.Enqueue(BuildError(ackID, code, err.Error()))
}

// ---- auth ----

type authHandler struct{}

func (h *authHandler) Type() FrameType { return FrameAuth }

func (h *authHandler) Handle(ctx *ChatContext, f *Frame, c *Client) error {
	var p AuthPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.Token == "" {
		sendErr(c, f.AckID, errs.ErrArgs.WrapMsg("auth payload invalid"))
		return nil
	}
	id, err := ctx.S.verifier.Verify(p.Token)
	if err != nil {
		sendErr(c, f.AckID, err)
		c.Enqueue(BuildKick("auth failed"))
		c.Close()
		return nil
	}
	if p.DeviceID != "" {
		c.DeviceID = p.DeviceID
	} else if id.DeviceID != "" {
		c.DeviceID = id.DeviceID
	}

	rctx, cancel := handlerCtx()
	defer cancel()
	evicted, err := ctx.S.sessions.Bind(rctx, storage.DeviceSession{
		UserID:     id.UserID,
		ConnID:     c.ConnID,
		GatewayID:  ctx.S.conf.NodeID,
		LoginTime:  time.Now().UnixMilli(),
		DeviceInfo: c.DeviceID,
	})
	if err != nil {
		sendErr(c, f.AckID, err)
		return nil
	}
	if evicted != "" {
		// The cap pushed out the user's oldest session. If the socket
		// lives on this node, close it now; otherwise its node's ping
		// path notices the registry miss.
		logger.Infof("[gateway] evicted session user=%s conn=%s", id.UserID, evicted)
		if old := ctx.S.reg.GetByConnID(evicted); old != nil {
			old.Enqueue(BuildKick("signed in elsewhere"))
			old.Close()
		}
	}

	c.SetUser(id.UserID)
	ctx.S.reg.Bind(c)
	c.Enqueue(BuildAuthAck(id.UserID, c.ConnID, id.ExpireAt.UnixMilli(), ctx.S.conf.PingInterval))
	logger.Infof("[gateway] authed user=%s conn=%s device=%s", id.UserID, c.ConnID, c.DeviceID)
	return nil
}

// ---- ping ----

type pingHandler struct{}

func (h *pingHandler) Type() FrameType { return FramePing }

// Handle renews the registry heartbeat. A session the registry no
// longer knows means this socket was kicked or swept elsewhere.
func (h *pingHandler) Handle(ctx *ChatContext, f *Frame, c *Client) error {
	if !c.Authed() {
		return nil
	}
	rctx, cancel := handlerCtx()
	defer cancel()
	alive, err := ctx.S.sessions.Heartbeat(rctx, c.UserID(), c.ConnID)
	if err != nil {
		logger.Warnf("[gateway] heartbeat failed user=%s conn=%s: %v", c.UserID(), c.ConnID, err)
		return nil
	}
	if !alive {
		c.Enqueue(BuildKick("session gone"))
		c.Close()
	}
	return nil
}

// ---- content ----

type contentHandler struct{}

func (h *contentHandler) Type() FrameType { return FrameContent }

func (h *contentHandler) Handle(ctx *ChatContext, f *Frame, c *Client) error {
	if !c.Authed() {
		sendErr(c, f.AckID, errs.ErrSessionMissing.WrapMsg("not authenticated"))
		return nil
	}
	var p ContentPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		sendErr(c, f.AckID, errs.ErrArgs.WrapMsg("content payload invalid"))
		return nil
	}

	rctx, cancel := handlerCtx()
	defer cancel()
	res, err := ctx.S.pipeline.Submit(rctx, ingest.Input{
		ClientMsgID:    p.ClientMsgID,
		ConversationID: p.ConversationID,
		SenderID:       c.UserID(),
		Content:        p.Content,
		ContentType:    p.ContentType,
		ParentID:       p.ParentID,
		RootID:         p.RootID,
		Attachments:    p.Attachments,
		NodeID:         ctx.S.conf.NodeID,
	})
	if err != nil {
		sendErr(c, f.AckID, err)
		return nil
	}
	c.Enqueue(BuildContentAck(f.AckID, res))

	// Same-node echo to the sender's other devices; duplicates are
	// avoided because fan-out skips sender sessions on this node.
	if res.Status == ingest.StatusCreated {
		ctx.S.echoLocal(c.UserID(), c.ConnID, chatmodel.DeliverEnvelope{
			Kind:           chatmodel.EnvelopeMessage,
			MsgID:          res.MessageID,
			ConversationID: p.ConversationID,
			SenderID:       c.UserID(),
			Seq:            res.Seq,
			ContentType:    p.ContentType,
			Preview:        p.Content,
			CreatedAt:      time.Now().UnixMilli(),
		})
	}
	return nil
}

// ---- delivery acks ----

type ackHandler struct{}

func (h *ackHandler) Type() FrameType { return FrameAck }

// Handle forwards a client's delivery ack upstream, where it advances
// the forward-only sync cursor. Fire and forget: the cursor is
// idempotent and a lost ack is re-sent with the next one.
func (h *ackHandler) Handle(ctx *ChatContext, f *Frame, c *Client) error {
	if !c.Authed() {
		return nil
	}
	var p AckPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.ConversationID == "" || p.Seq < 0 {
		return nil
	}
	rctx, cancel := handlerCtx()
	defer cancel()
	if err := ctx.S.pipeline.AckDelivered(rctx, c.UserID(), p.ConversationID, p.Seq); err != nil {
		logger.Debugf("[gateway] ack forward failed conv=%s seq=%d: %v", p.ConversationID, p.Seq, err)
	}
	return nil
}

// ---- read receipts ----

type readHandler struct{}

func (h *readHandler) Type() FrameType { return FrameRead }

func (h *readHandler) Handle(ctx *ChatContext, f *Frame, c *Client) error {
	if !c.Authed() {
		sendErr(c, f.AckID, errs.ErrSessionMissing.WrapMsg("not authenticated"))
		return nil
	}
	var p ReadPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.ConversationID == "" {
		sendErr(c, f.AckID, errs.ErrArgs.WrapMsg("read payload invalid"))
		return nil
	}
	rctx, cancel := handlerCtx()
	defer cancel()
	if err := ctx.S.pipeline.MarkRead(rctx, c.UserID(), p.ConversationID, p.UpToSeq); err != nil {
		sendErr(c, f.AckID, err)
		return nil
	}
	c.Enqueue(mustFrame(FrameAck, f.AckID, map[string]any{"ok": true}))
	return nil
}

// ---- typing ----

type typingHandler struct{}

func (h *typingHandler) Type() FrameType { return FrameTyping }

func (h *typingHandler) Handle(ctx *ChatContext, f *Frame, c *Client) error {
	return relayEphemeralFrame(ctx, f, c, chatmodel.EnvelopeTyping)
}

// ---- presence ----

type presenceHandler struct{}

func (h *presenceHandler) Type() FrameType { return FramePresence }

// Handle relays a client's conversation-scoped presence state
// (active/away) to the other online members.
func (h *presenceHandler) Handle(ctx *ChatContext, f *Frame, c *Client) error {
	return relayEphemeralFrame(ctx, f, c, chatmodel.EnvelopePresence)
}

func relayEphemeralFrame(ctx *ChatContext, f *Frame, c *Client, kind string) error {
	if !c.Authed() {
		return nil
	}
	var p TypingPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.ConversationID == "" {
		return nil
	}
	rctx, cancel := handlerCtx()
	defer cancel()
	// Fire and forget; a lost indicator self-heals on the next one.
	if err := ctx.S.pipeline.RelayEphemeral(rctx, kind, p.ConversationID, c.UserID(), p.State); err != nil {
		logger.Debugf("[gateway] %s relay failed conv=%s: %v", kind, p.ConversationID, err)
	}
	return nil
}
