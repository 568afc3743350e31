package natsx

import (
	"context"
	"time"
)

// Publisher is the publishing slice of the manager; RetryPublisher
// wraps it, tests fake it.
type Publisher interface {
	Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error
	PublishOnce(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string) error
}

// RetryPublisher publishes synchronously with bounded attempts. Each
// try is stamped with the attempt header, so the consumer side can
// tell a re-publish from a first send. When the budget is spent the
// last error comes back and the caller's failure path takes over.
type RetryPublisher struct {
	target  Publisher
	retries int
	backoff time.Duration
}

func (sp *RetryPublisher) Publish(ctx context.Context, biz string, payload []byte, hdr map[string]string) error {
	return sp.attempt(ctx, func(try int) error {
		return sp.target.Publish(ctx, biz, payload, WithAttempt(hdr, try))
	})
}

// PublishOnce keeps the message id stable across retries, so a
// duplicate created by retrying a publish that actually landed is
// dropped by consumer-side dedup.
func (sp *RetryPublisher) PublishOnce(ctx context.Context, biz string, payload []byte, hdr map[string]string, msgID string) error {
	return sp.attempt(ctx, func(try int) error {
		return sp.target.PublishOnce(ctx, biz, payload, WithAttempt(hdr, try), msgID)
	})
}

func (sp *RetryPublisher) attempt(ctx context.Context, send func(try int) error) error {
	var err error
	for i := 0; i <= sp.retries; i++ {
		err = send(i + 1)
		if err == nil {
			return nil
		}
		if i == sp.retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sp.backoff):
		}
	}
	return err
}
