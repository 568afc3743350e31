package natsx

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

type NatsxConsumer struct {
	c   *NatsxClient
	mws []NatsxMiddleware
}

func NewNatsxConsumer(c *NatsxClient, mws ...NatsxMiddleware) *NatsxConsumer {
	return &NatsxConsumer{c: c, mws: mws}
}

// Subscribe attaches a handler to a route. Core routes hand the
// message over and forget it; JetStream push routes ack on handler
// success and nak for redelivery on error. Queue set on the route
// shards the stream within the group, empty queue broadcasts to every
// subscriber.
func (cs *NatsxConsumer) Subscribe(biz string, h NatsxHandler) error {
	r, ok := cs.c.route(biz)
	if !ok {
		return fmt.Errorf("route not found: %s", biz)
	}
	h = NatsxChain(h, cs.mws...)

	switch r.Mode {
	case Core:
		sub, err := cs.subscribeCore(r, h)
		if err != nil {
			return err
		}
		cs.remember(biz, sub)
		return nil
	case JetStreamPush:
		sub, err := cs.subscribeJS(r, h)
		if err != nil {
			return err
		}
		cs.remember(biz, sub)
		return nil
	default:
		return fmt.Errorf("mode not supported in Subscribe: %v", r.Mode)
	}
}

func (cs *NatsxConsumer) subscribeCore(r NatsxRoute, h NatsxHandler) (*nats.Subscription, error) {
	cb := func(m *nats.Msg) {
		_ = h(context.Background(), NatsxMessage{
			Subject: m.Subject,
			Data:    append([]byte(nil), m.Data...),
			Header:  headerToMap(m.Header),
		})
	}
	var (
		sub *nats.Subscription
		err error
	)
	if r.Queue == "" {
		sub, err = cs.c.nc.Subscribe(r.Subject, cb)
	} else {
		sub, err = cs.c.nc.QueueSubscribe(r.Subject, r.Queue, cb)
	}
	if err != nil {
		return nil, err
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	return sub, nil
}

func (cs *NatsxConsumer) subscribeJS(r NatsxRoute, h NatsxHandler) (*nats.Subscription, error) {
	if cs.c.js == nil {
		return nil, errors.New("jetstream not initialized")
	}
	opts := []nats.SubOpt{
		nats.ManualAck(),
		nats.AckWait(r.AckWait),
		nats.MaxAckPending(r.MaxAckPending),
	}
	if r.Durable != "" {
		opts = append(opts, nats.Durable(r.Durable))
	}
	cb := func(m *nats.Msg) {
		msg := NatsxMessage{
			Subject: m.Subject,
			Data:    append([]byte(nil), m.Data...),
			Header:  headerToMap(m.Header),
		}
		if err := h(context.Background(), msg); err == nil {
			_ = m.Ack()
		} else {
			_ = m.Nak()
		}
	}
	if r.Queue == "" {
		return cs.c.js.Subscribe(r.Subject, cb, opts...)
	}
	return cs.c.js.QueueSubscribe(r.Subject, r.Queue, cb, opts...)
}

func (cs *NatsxConsumer) remember(biz string, sub *nats.Subscription) {
	cs.c.mu.Lock()
	cs.c.subs[biz] = sub
	cs.c.mu.Unlock()
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
