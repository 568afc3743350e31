package natsx

import (
	"context"
	"testing"
	"time"
)

func TestDownstreamNaming(t *testing.T) {
	if got := DownstreamSubject("gw-1"); got != "im.downstream.gw-1" {
		t.Fatalf("subject = %q", got)
	}
	if got := DownstreamBiz("gw-1"); got != "delivery.node.gw-1" {
		t.Fatalf("biz = %q", got)
	}
	if DownstreamBiz("gw-1") == DownstreamBiz("gw-2") {
		t.Fatal("node bizs must differ per node")
	}
}

func TestAttemptFromHeader(t *testing.T) {
	cases := []struct {
		name string
		hdr  map[string]string
		want int
	}{
		{"nil header", nil, 1},
		{"missing key", map[string]string{}, 1},
		{"garbled", map[string]string{HeaderAttempt: "abc"}, 1},
		{"zero", map[string]string{HeaderAttempt: "0"}, 1},
		{"negative", map[string]string{HeaderAttempt: "-2"}, 1},
		{"explicit", map[string]string{HeaderAttempt: "3"}, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := AttemptFromHeader(tc.hdr); got != tc.want {
				t.Fatalf("attempt = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestWithAttemptRoundTrip(t *testing.T) {
	hdr := WithAttempt(nil, 2)
	if got := AttemptFromHeader(hdr); got != 2 {
		t.Fatalf("attempt = %d, want 2", got)
	}
	hdr = WithAttempt(hdr, 3)
	if got := AttemptFromHeader(hdr); got != 3 {
		t.Fatalf("attempt = %d, want 3", got)
	}
}

type flakyPublisher struct {
	failFirst int
	attempts  []int // attempt header of each call
	msgIDs    []string
}

func (p *flakyPublisher) publish(hdr map[string]string) error {
	p.attempts = append(p.attempts, AttemptFromHeader(hdr))
	if p.failFirst > 0 {
		p.failFirst--
		return context.DeadlineExceeded
	}
	return nil
}

func (p *flakyPublisher) Publish(_ context.Context, _ string, _ []byte, hdr map[string]string) error {
	return p.publish(hdr)
}

func (p *flakyPublisher) PublishOnce(_ context.Context, _ string, _ []byte, hdr map[string]string, msgID string) error {
	p.msgIDs = append(p.msgIDs, msgID)
	return p.publish(hdr)
}

func TestRetryPublisherRetriesAndStampsAttempts(t *testing.T) {
	target := &flakyPublisher{failFirst: 2}
	rp := NewRetryPublisher(target, 3, time.Millisecond)

	if err := rp.Publish(context.Background(), "delivery.node.gw-1", []byte("x"), nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(target.attempts) != 3 {
		t.Fatalf("attempts = %v, want 3 calls", target.attempts)
	}
	for i, a := range target.attempts {
		if a != i+1 {
			t.Fatalf("attempts = %v, want 1,2,3", target.attempts)
		}
	}
}

func TestRetryPublisherExhaustsBudget(t *testing.T) {
	target := &flakyPublisher{failFirst: 10}
	rp := NewRetryPublisher(target, 2, time.Millisecond)

	if err := rp.Publish(context.Background(), "delivery.broadcast", []byte("x"), nil); err == nil {
		t.Fatal("want error after budget spent")
	}
	if len(target.attempts) != 3 {
		t.Fatalf("attempts = %v, want exactly 3 calls", target.attempts)
	}
}

func TestRetryPublisherKeepsMsgIDStable(t *testing.T) {
	target := &flakyPublisher{failFirst: 1}
	rp := NewRetryPublisher(target, 2, time.Millisecond)

	if err := rp.PublishOnce(context.Background(), "delivery.node.gw-1", []byte("x"), nil, "o1@gw-1"); err != nil {
		t.Fatalf("PublishOnce: %v", err)
	}
	if len(target.msgIDs) != 2 {
		t.Fatalf("msg ids = %v, want 2 calls", target.msgIDs)
	}
	for _, id := range target.msgIDs {
		if id != "o1@gw-1" {
			t.Fatalf("msg id changed across retries: %v", target.msgIDs)
		}
	}
}

func TestMemIdemDedup(t *testing.T) {
	s := NewMemIdem(time.Minute)
	if seen, _ := s.SeenOnce("m1", 0); seen {
		t.Fatal("fresh id reported seen")
	}
	if seen, _ := s.SeenOnce("m1", 0); !seen {
		t.Fatal("repeat id not reported seen")
	}
	if seen, _ := s.SeenOnce("m2", 0); seen {
		t.Fatal("independent id reported seen")
	}
}

func TestIdemMiddlewareSkipsRepeats(t *testing.T) {
	store := NewMemIdem(time.Minute)
	calls := 0
	h := NatsxIdemMiddleware(store, time.Minute)(func(context.Context, NatsxMessage) error {
		calls++
		return nil
	})
	msg := NatsxMessage{
		Subject: "im.broadcast",
		Data:    []byte("payload"),
		Header:  map[string]string{"Nats-Msg-Id": "o1@gw-1"},
	}
	for i := 0; i < 3; i++ {
		if err := h(context.Background(), msg); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
}
