package natsx

import (
	"strconv"
	"time"
)

// Delivery subjects. Each gateway node owns one downstream subject;
// broadcast reaches every node; undeliverable envelopes land on the
// dead-letter subject after redelivery is exhausted.
const (
	BizBroadcast  = "delivery.broadcast"
	BizDeadLetter = "delivery.deadletter"

	subjectDownstreamPrefix = "im.downstream."
	SubjectBroadcast        = "im.broadcast"
	SubjectDeadLetter       = "im.deadletter"

	// HeaderAttempt carries the publish attempt of one envelope.
	// RetryPublisher stamps it and gives up past MaxDeliveryAttempts;
	// the record's failure path dead-letters it from there.
	HeaderAttempt       = "X-Delivery-Attempt"
	MaxDeliveryAttempts = 5

	// StreamDeadLetter persists dead letters until an operator (or the
	// drain worker) has seen them; core NATS would drop them when no
	// subscriber is up.
	StreamDeadLetter = "IM_DEADLETTER"
	deadLetterGroup  = "deadletter-workers"
)

func DownstreamBiz(nodeID string) string     { return "delivery.node." + nodeID }
func DownstreamSubject(nodeID string) string { return subjectDownstreamPrefix + nodeID }

// AttemptFromHeader reads the delivery attempt counter; a missing or
// garbled header counts as the first attempt.
func AttemptFromHeader(hdr map[string]string) int {
	if hdr == nil {
		return 1
	}
	n, err := strconv.Atoi(hdr[HeaderAttempt])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func WithAttempt(hdr map[string]string, attempt int) map[string]string {
	if hdr == nil {
		hdr = map[string]string{}
	}
	hdr[HeaderAttempt] = strconv.Itoa(attempt)
	return hdr
}

// RegisterDeliveryRoutes wires a gateway node's delivery routes. Both
// are core and queueless: every subscriber on the subject gets a copy,
// and a momentarily absent gateway is covered by the outbox retry, not
// by broker persistence.
func RegisterDeliveryRoutes(m *NatsManager, nodeID string) error {
	routes := []NatsxRoute{
		{
			Biz:     DownstreamBiz(nodeID),
			Subject: DownstreamSubject(nodeID),
			Mode:    Core,
		},
		{
			Biz:     BizBroadcast,
			Subject: SubjectBroadcast,
			Mode:    Core,
		},
	}
	for _, r := range routes {
		if err := m.RegisterRoute(r); err != nil {
			return err
		}
	}
	return nil
}

// RegisterDeadLetterRoute wires the worker-side dead-letter route on
// JetStream: terminally failed records must survive until drained.
// Queue and durable share a name, as JetStream queue push consumers
// require.
func RegisterDeadLetterRoute(m *NatsManager) error {
	return m.RegisterRoute(NatsxRoute{
		Biz:     BizDeadLetter,
		Subject: SubjectDeadLetter,
		Mode:    JetStreamPush,
		Stream:  StreamDeadLetter,
		Queue:   deadLetterGroup,
		Durable: deadLetterGroup,
	})
}

// NewRetryPublisher returns a publisher that retries transient publish
// failures with a fixed backoff.
func NewRetryPublisher(target Publisher, retries int, backoff time.Duration) *RetryPublisher {
	if retries < 0 {
		retries = 0
	}
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	return &RetryPublisher{target: target, retries: retries, backoff: backoff}
}
