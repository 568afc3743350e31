package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	chatmodel "TeamChat/module/chat/model"
	errs "TeamChat/tools/errs"
)

// fakeStore mirrors the durable lifecycle: claims succeed on pending
// rows only, a failed attempt releases the row back to pending, and
// fan-out effects apply at most once per record.
type fakeStore struct {
	recs      map[string]*chatmodel.OutboxRecord
	completed []string
	failures  map[string]int32
	notices   []chatmodel.OfflineNotice
	unread    map[string]int64 // userID|convID
	staleRecs []chatmodel.OutboxRecord

	effectsErr error
}

func newProcStore() *fakeStore {
	return &fakeStore{
		recs:     make(map[string]*chatmodel.OutboxRecord),
		failures: make(map[string]int32),
		unread:   make(map[string]int64),
	}
}

func (s *fakeStore) ClaimOutbox(_ context.Context, outboxID string) (*chatmodel.OutboxRecord, bool, error) {
	rec, ok := s.recs[outboxID]
	if !ok || rec.Status != chatmodel.OutboxStatusPending {
		return nil, false, nil
	}
	rec.Status = chatmodel.OutboxStatusProcessing
	cp := *rec
	return &cp, true, nil
}

func (s *fakeStore) CompleteOutbox(_ context.Context, outboxID string) error {
	s.recs[outboxID].Status = chatmodel.OutboxStatusCompleted
	s.completed = append(s.completed, outboxID)
	return nil
}

func (s *fakeStore) RecordOutboxFailure(_ context.Context, outboxID, _ string, maxRetries int32) (bool, error) {
	s.failures[outboxID]++
	if s.failures[outboxID] >= maxRetries {
		s.recs[outboxID].Status = chatmodel.OutboxStatusFailed
		return true, nil
	}
	s.recs[outboxID].Status = chatmodel.OutboxStatusPending
	return false, nil
}

func (s *fakeStore) ListStaleOutbox(_ context.Context, _ time.Duration, _ int64) ([]chatmodel.OutboxRecord, error) {
	out := make([]chatmodel.OutboxRecord, 0, len(s.staleRecs))
	for _, rec := range s.staleRecs {
		if live, ok := s.recs[rec.ID]; ok && live.Status == chatmodel.OutboxStatusProcessing {
			live.Status = chatmodel.OutboxStatusPending
			rec.Status = chatmodel.OutboxStatusPending
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *fakeStore) ApplyFanoutEffects(_ context.Context, outboxID string, unreadUserIDs []string, convID string, notices []chatmodel.OfflineNotice) (bool, error) {
	if s.effectsErr != nil {
		return false, s.effectsErr
	}
	rec := s.recs[outboxID]
	if rec.EffectsApplied {
		return false, nil
	}
	rec.EffectsApplied = true
	for _, userID := range unreadUserIDs {
		s.unread[userID+"|"+convID]++
	}
	s.notices = append(s.notices, notices...)
	return true, nil
}

type fakeMembers struct {
	members map[string][]string // convID -> users
	convs   map[string][]string // userID -> convIDs
	err     error
}

func (m *fakeMembers) ListMembers(_ context.Context, convID string) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.members[convID], nil
}

func (m *fakeMembers) ListConversations(_ context.Context, userID string) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.convs[userID], nil
}

type fakeRouter struct {
	routes map[string][]string
}

func (r *fakeRouter) BatchRoutes(_ context.Context, userIDs []string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, u := range userIDs {
		if nodes, ok := r.routes[u]; ok {
			out[u] = nodes
		}
	}
	return out, nil
}

type fakePub struct {
	byNode    map[string][]chatmodel.DeliverEnvelope
	broadcast []chatmodel.DeliverEnvelope
	dead      []chatmodel.OutboxRecord

	// failDownstream makes the first N downstream publishes fail.
	failDownstream int
}

func (p *fakePub) PublishDownstream(_ context.Context, nodeID string, env chatmodel.DeliverEnvelope) error {
	if p.failDownstream > 0 {
		p.failDownstream--
		return errors.New("broker unreachable")
	}
	if p.byNode == nil {
		p.byNode = make(map[string][]chatmodel.DeliverEnvelope)
	}
	p.byNode[nodeID] = append(p.byNode[nodeID], env)
	return nil
}

func (p *fakePub) PublishBroadcast(_ context.Context, env chatmodel.DeliverEnvelope) error {
	p.broadcast = append(p.broadcast, env)
	return nil
}

func (p *fakePub) PublishDeadLetter(_ context.Context, rec chatmodel.OutboxRecord, _ string) error {
	p.dead = append(p.dead, rec)
	return nil
}

func record(id string) *chatmodel.OutboxRecord {
	return &chatmodel.OutboxRecord{
		ID:        id,
		MessageID: "m-" + id,
		Payload: chatmodel.OutboxPayload{
			MsgID:          "m-" + id,
			ConversationID: "conv1",
			SenderID:       "alice",
			Seq:            7,
			ContentType:    chatmodel.ContentTypeText,
			Preview:        "hi",
			CreatedAt:      time.Now().UnixMilli(),
			OriginNodeID:   "gw-1",
		},
		Status: chatmodel.OutboxStatusPending,
	}
}

func TestProcessFansOutAndCompletes(t *testing.T) {
	store := newProcStore()
	store.recs["o1"] = record("o1")
	members := &fakeMembers{members: map[string][]string{"conv1": {"alice", "bob", "carol"}}}
	// bob is online on two nodes, alice only on the origin node, carol
	// is offline.
	router := &fakeRouter{routes: map[string][]string{
		"alice": {"gw-1"},
		"bob":   {"gw-1", "gw-2"},
	}}
	pub := &fakePub{}
	p := NewProcessor(store, members, router, pub)

	if err := p.Process(context.Background(), "o1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(store.completed) != 1 || store.completed[0] != "o1" {
		t.Fatalf("completed = %v", store.completed)
	}

	// Unread goes up for recipients only.
	if store.unread["bob|conv1"] != 1 || store.unread["carol|conv1"] != 1 {
		t.Fatalf("unread = %v", store.unread)
	}
	if store.unread["alice|conv1"] != 0 {
		t.Fatalf("sender unread bumped: %v", store.unread)
	}

	// gw-1 gets bob only; alice on the origin node already saw the
	// local echo. gw-2 gets bob.
	env1 := pub.byNode["gw-1"]
	if len(env1) != 1 {
		t.Fatalf("gw-1 envelopes = %d", len(env1))
	}
	if got := env1[0].TargetUserIDs; len(got) != 1 || got[0] != "bob" {
		t.Fatalf("gw-1 targets = %v", got)
	}
	env2 := pub.byNode["gw-2"]
	if len(env2) != 1 || len(env2[0].TargetUserIDs) != 1 || env2[0].TargetUserIDs[0] != "bob" {
		t.Fatalf("gw-2 envelopes = %+v", env2)
	}
	if env1[0].Kind != chatmodel.EnvelopeMessage || env1[0].Seq != 7 {
		t.Fatalf("envelope = %+v", env1[0])
	}

	// Offline carol gets a notice; online bob does not.
	if len(store.notices) != 1 || store.notices[0].UserID != "carol" {
		t.Fatalf("notices = %+v", store.notices)
	}
	if store.notices[0].MessageID != "m-o1" || store.notices[0].Seq != 7 {
		t.Fatalf("notice payload = %+v", store.notices[0])
	}
}

func TestProcessSenderOtherNodesStillDelivered(t *testing.T) {
	store := newProcStore()
	store.recs["o1"] = record("o1")
	members := &fakeMembers{members: map[string][]string{"conv1": {"alice", "bob"}}}
	// alice has a second device on gw-3; that one gets the envelope.
	router := &fakeRouter{routes: map[string][]string{
		"alice": {"gw-1", "gw-3"},
		"bob":   {"gw-2"},
	}}
	pub := &fakePub{}
	p := NewProcessor(store, members, router, pub)

	if err := p.Process(context.Background(), "o1"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, ok := pub.byNode["gw-1"]; ok {
		t.Fatal("origin node must not receive a sender envelope")
	}
	env := pub.byNode["gw-3"]
	if len(env) != 1 || len(env[0].TargetUserIDs) != 1 || env[0].TargetUserIDs[0] != "alice" {
		t.Fatalf("gw-3 envelopes = %+v", env)
	}
}

func TestProcessWideConversationBroadcasts(t *testing.T) {
	store := newProcStore()
	store.recs["o1"] = record("o1")
	users := []string{"alice"}
	routes := map[string][]string{"alice": {"gw-1"}}
	for i := 0; i < BroadcastFanoutNodes; i++ {
		u := fmt.Sprintf("user%d", i)
		users = append(users, u)
		routes[u] = []string{fmt.Sprintf("gw-%d", i+2)}
	}
	members := &fakeMembers{members: map[string][]string{"conv1": users}}
	pub := &fakePub{}
	p := NewProcessor(store, members, &fakeRouter{routes: routes}, pub)

	if err := p.Process(context.Background(), "o1"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(pub.byNode) != 0 {
		t.Fatalf("per-node publishes = %d, want 0", len(pub.byNode))
	}
	if len(pub.broadcast) != 1 {
		t.Fatalf("broadcast publishes = %d, want 1", len(pub.broadcast))
	}
	env := pub.broadcast[0]
	if env.OriginNodeID != "gw-1" {
		t.Fatalf("origin node = %q", env.OriginNodeID)
	}
	got := append([]string(nil), env.TargetUserIDs...)
	sort.Strings(got)
	// The sender's only sessions sit on the origin node and were
	// echoed there; everyone else is a target.
	want := append([]string(nil), users[1:]...)
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("targets = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("targets = %v, want %v", got, want)
		}
	}
}

func TestProcessInFlightRecordIsNoop(t *testing.T) {
	store := newProcStore()
	store.recs["o1"] = record("o1")
	// Another worker holds the claim.
	store.recs["o1"].Status = chatmodel.OutboxStatusProcessing
	pub := &fakePub{}
	p := NewProcessor(store, &fakeMembers{}, &fakeRouter{}, pub)

	if err := p.Process(context.Background(), "o1"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(store.completed) != 0 || len(pub.byNode) != 0 {
		t.Fatal("in-flight record must not be processed")
	}
}

// A publish failure retries the record, but unread counters and
// offline notices must not apply a second time.
func TestProcessRetryAppliesUnreadOnce(t *testing.T) {
	store := newProcStore()
	store.recs["o1"] = record("o1")
	members := &fakeMembers{members: map[string][]string{"conv1": {"alice", "bob", "carol"}}}
	router := &fakeRouter{routes: map[string][]string{"bob": {"gw-2"}}}
	pub := &fakePub{failDownstream: 1}
	p := NewProcessor(store, members, router, pub)

	if err := p.Process(context.Background(), "o1"); err == nil {
		t.Fatal("first attempt: want publish error")
	}
	if store.unread["bob|conv1"] != 1 {
		t.Fatalf("unread after first attempt = %v", store.unread)
	}

	if err := p.Process(context.Background(), "o1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if store.unread["bob|conv1"] != 1 || store.unread["carol|conv1"] != 1 {
		t.Fatalf("unread after retry = %v, want exactly 1 each", store.unread)
	}
	if len(store.notices) != 1 || store.notices[0].UserID != "carol" {
		t.Fatalf("notices = %+v, want one for carol", store.notices)
	}
	if len(store.completed) != 1 {
		t.Fatalf("completed = %v", store.completed)
	}
	if got := pub.byNode["gw-2"]; len(got) != 1 {
		t.Fatalf("gw-2 envelopes = %d, want 1", len(got))
	}
}

func TestProcessRetriesThenDeadLetters(t *testing.T) {
	store := newProcStore()
	store.recs["o1"] = record("o1")
	store.effectsErr = errors.New("counter store down")
	members := &fakeMembers{members: map[string][]string{"conv1": {"alice", "bob"}}}
	pub := &fakePub{}
	p := NewProcessor(store, members, &fakeRouter{}, pub)
	p.MaxRetries = 3

	var last error
	for i := 0; i < 3; i++ {
		if last = p.Process(context.Background(), "o1"); last == nil {
			t.Fatalf("attempt %d: want error", i+1)
		}
	}
	if store.recs["o1"].Status != chatmodel.OutboxStatusFailed {
		t.Fatalf("status = %q, want failed", store.recs["o1"].Status)
	}
	if errs.Code(last) != errs.ErrOutboxTerminal.Code {
		t.Fatalf("terminal error code = %d, want %d", errs.Code(last), errs.ErrOutboxTerminal.Code)
	}
	if len(pub.dead) != 1 || pub.dead[0].ID != "o1" {
		t.Fatalf("dead letters = %+v", pub.dead)
	}
	if len(store.completed) != 0 {
		t.Fatal("failed record must not complete")
	}
}

func TestProcessMembershipFailureCountsAttempt(t *testing.T) {
	store := newProcStore()
	store.recs["o1"] = record("o1")
	members := &fakeMembers{err: errors.New("directory down")}
	p := NewProcessor(store, members, &fakeRouter{}, &fakePub{})

	if err := p.Process(context.Background(), "o1"); err == nil {
		t.Fatal("want error")
	}
	if store.failures["o1"] != 1 {
		t.Fatalf("failures = %d, want 1", store.failures["o1"])
	}
}

type countingEnqueuer struct {
	ids []string
	err error
}

func (e *countingEnqueuer) EnqueueOutbox(_ context.Context, rec chatmodel.OutboxRecord) error {
	if e.err != nil {
		return e.err
	}
	e.ids = append(e.ids, rec.ID)
	return nil
}

func TestRescanStaleReenqueues(t *testing.T) {
	store := newProcStore()
	store.staleRecs = []chatmodel.OutboxRecord{*record("o1"), *record("o2")}
	p := NewProcessor(store, &fakeMembers{}, &fakeRouter{}, &fakePub{})

	q := &countingEnqueuer{}
	n, err := p.RescanStale(context.Background(), q, 0)
	if err != nil {
		t.Fatalf("RescanStale: %v", err)
	}
	if n != 2 {
		t.Fatalf("re-enqueued %d, want 2", n)
	}
	sort.Strings(q.ids)
	if q.ids[0] != "o1" || q.ids[1] != "o2" {
		t.Fatalf("ids = %v", q.ids)
	}
}

// A worker crash strands a record in processing; the rescan releases
// the claim so redelivery can pick it up again.
func TestRescanStaleReleasesStuckClaim(t *testing.T) {
	store := newProcStore()
	store.recs["o1"] = record("o1")
	store.recs["o1"].Status = chatmodel.OutboxStatusProcessing
	store.staleRecs = []chatmodel.OutboxRecord{*store.recs["o1"]}
	members := &fakeMembers{members: map[string][]string{"conv1": {"alice", "bob"}}}
	p := NewProcessor(store, members, &fakeRouter{}, &fakePub{})

	q := &countingEnqueuer{}
	if _, err := p.RescanStale(context.Background(), q, 0); err != nil {
		t.Fatalf("RescanStale: %v", err)
	}
	if len(q.ids) != 1 || q.ids[0] != "o1" {
		t.Fatalf("ids = %v", q.ids)
	}
	if err := p.Process(context.Background(), "o1"); err != nil {
		t.Fatalf("Process after rescan: %v", err)
	}
	if len(store.completed) != 1 {
		t.Fatal("released record must be claimable again")
	}
}

func TestRescanStaleSkipsFailedEnqueue(t *testing.T) {
	store := newProcStore()
	store.staleRecs = []chatmodel.OutboxRecord{*record("o1")}
	p := NewProcessor(store, &fakeMembers{}, &fakeRouter{}, &fakePub{})

	n, err := p.RescanStale(context.Background(), &countingEnqueuer{err: errors.New("broker down")}, time.Minute)
	if err != nil {
		t.Fatalf("RescanStale: %v", err)
	}
	if n != 0 {
		t.Fatalf("re-enqueued %d, want 0", n)
	}
}
