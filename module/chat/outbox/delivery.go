package outbox

import (
	"context"
	"encoding/json"
	"sync"

	"TeamChat/logger"
	chatmodel "TeamChat/module/chat/model"
	"TeamChat/service/natsx"
)

// NatsDelivery pushes envelopes to gateway nodes over their downstream
// subjects and terminal failures onto the dead-letter stream. Envelope
// publishes go through the retry publisher: a few bounded, stamped
// attempts before the outbox failure path takes over.
type NatsDelivery struct {
	mgr *natsx.NatsManager
	rp  *natsx.RetryPublisher

	mu    sync.Mutex
	known map[string]bool // node routes registered so far
}

func NewNatsDelivery(mgr *natsx.NatsManager) *NatsDelivery {
	return &NatsDelivery{
		mgr:   mgr,
		rp:    natsx.NewRetryPublisher(mgr, natsx.MaxDeliveryAttempts-1, 0),
		known: make(map[string]bool),
	}
}

// ensureNodeRoute registers the downstream route for a node the first
// time the worker publishes toward it.
func (d *NatsDelivery) ensureNodeRoute(nodeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.known[nodeID] {
		return nil
	}
	err := d.mgr.RegisterRoute(natsx.NatsxRoute{
		Biz:     natsx.DownstreamBiz(nodeID),
		Subject: natsx.DownstreamSubject(nodeID),
		Mode:    natsx.Core,
	})
	if err == nil {
		d.known[nodeID] = true
	}
	return err
}

func (d *NatsDelivery) PublishDownstream(ctx context.Context, nodeID string, env chatmodel.DeliverEnvelope) error {
	if err := d.ensureNodeRoute(nodeID); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	// One msg id per (record, node) pair; a rerun of the same record
	// toward the same node is dropped by the consumer-side dedup.
	return d.rp.PublishOnce(ctx, natsx.DownstreamBiz(nodeID), data, nil, env.OutboxID+"@"+nodeID)
}

// PublishBroadcast sends one envelope to every gateway node; each node
// filters by target user locally.
func (d *NatsDelivery) PublishBroadcast(ctx context.Context, env chatmodel.DeliverEnvelope) error {
	if err := d.ensureBroadcastRoute(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return d.rp.PublishOnce(ctx, natsx.BizBroadcast, data, nil, env.OutboxID+"@broadcast")
}

func (d *NatsDelivery) ensureBroadcastRoute() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.known["@broadcast"] {
		return nil
	}
	err := d.mgr.RegisterRoute(natsx.NatsxRoute{
		Biz:     natsx.BizBroadcast,
		Subject: natsx.SubjectBroadcast,
		Mode:    natsx.Core,
	})
	if err == nil {
		d.known["@broadcast"] = true
	}
	return err
}

type deadLetter struct {
	Record chatmodel.OutboxRecord `json:"record"`
	Reason string                 `json:"reason"`
}

func (d *NatsDelivery) PublishDeadLetter(ctx context.Context, rec chatmodel.OutboxRecord, reason string) error {
	data, err := json.Marshal(deadLetter{Record: rec, Reason: reason})
	if err != nil {
		return err
	}
	return d.rp.Publish(ctx, natsx.BizDeadLetter, data, nil)
}

// DeadLetterSink returns the handler draining the dead-letter stream.
// It only logs: the record itself stays in Mongo in failed status, so
// an operator replays from there, not from the broker.
func DeadLetterSink() natsx.NatsxHandler {
	return func(_ context.Context, msg natsx.NatsxMessage) error {
		var dl deadLetter
		if err := json.Unmarshal(msg.Data, &dl); err != nil {
			logger.Warnf("[deadletter] undecodable payload on %s: %v", msg.Subject, err)
			return nil
		}
		logger.Errorf("[deadletter] outbox=%s msg=%s conv=%s retries=%d publish_attempt=%d reason=%s",
			dl.Record.ID, dl.Record.Payload.MsgID, dl.Record.Payload.ConversationID,
			dl.Record.RetryCount, natsx.AttemptFromHeader(msg.Header), dl.Reason)
		return nil
	}
}
