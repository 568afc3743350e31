package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	chatmsg "TeamChat/module/chat/message"
	chatmodel "TeamChat/module/chat/model"
	errs "TeamChat/tools/errs"
)

type fakeStore struct {
	mu     sync.Mutex
	byKey  map[string]*chatmodel.MessageModel // senderID|clientMsgID
	outbox []chatmodel.OutboxRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{byKey: make(map[string]*chatmodel.MessageModel)}
}

func key(senderID, clientMsgID string) string { return senderID + "|" + clientMsgID }

func (s *fakeStore) FindByClientMsgID(_ context.Context, senderID, clientMsgID string) (*chatmodel.MessageModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byKey[key(senderID, clientMsgID)]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) InsertAccepted(_ context.Context, m chatmodel.MessageModel, rec chatmodel.OutboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(m.SenderID, m.ClientMsgID)
	if _, dup := s.byKey[k]; dup {
		return chatmsg.ErrDuplicateMessage
	}
	cp := m
	s.byKey[k] = &cp
	s.outbox = append(s.outbox, rec)
	return nil
}

type fakeAlloc struct {
	mu   sync.Mutex
	seqs map[string]int64
	err  error
}

func (a *fakeAlloc) Next(_ context.Context, convID string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return 0, a.err
	}
	if a.seqs == nil {
		a.seqs = make(map[string]int64)
	}
	a.seqs[convID]++
	return a.seqs[convID], nil
}

type fakeQueue struct {
	mu   sync.Mutex
	recs []chatmodel.OutboxRecord
	err  error
}

func (q *fakeQueue) EnqueueOutbox(_ context.Context, rec chatmodel.OutboxRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.recs = append(q.recs, rec)
	return nil
}

type fakeMarks struct {
	mu    sync.Mutex
	marks map[string]int64
}

func (m *fakeMarks) AdvanceConvMax(_ context.Context, convID string, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marks == nil {
		m.marks = make(map[string]int64)
	}
	if seq > m.marks[convID] {
		m.marks[convID] = seq
	}
	return nil
}

func newService(store *fakeStore, alloc *fakeAlloc, q *fakeQueue, marks *fakeMarks) *Service {
	return NewService(store, alloc, q, marks)
}

func textInput(clientMsgID string) Input {
	return Input{
		ClientMsgID:    clientMsgID,
		ConversationID: "conv1",
		SenderID:       "alice",
		Content:        "hello there",
		ContentType:    chatmodel.ContentTypeText,
		NodeID:         "gw-1",
	}
}

func TestSubmitCreatesMessage(t *testing.T) {
	store, alloc, q, marks := newFakeStore(), &fakeAlloc{}, &fakeQueue{}, &fakeMarks{}
	svc := newService(store, alloc, q, marks)

	res, err := svc.Submit(context.Background(), textInput("c1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Status != StatusCreated {
		t.Fatalf("status = %q, want %q", res.Status, StatusCreated)
	}
	if res.Seq != 1 || res.MessageID == "" {
		t.Fatalf("result = %+v", res)
	}
	if len(q.recs) != 1 {
		t.Fatalf("enqueued %d tasks, want 1", len(q.recs))
	}
	if q.recs[0].Payload.OriginNodeID != "gw-1" {
		t.Fatalf("origin node = %q", q.recs[0].Payload.OriginNodeID)
	}
	if marks.marks["conv1"] != 1 {
		t.Fatalf("watermark = %d, want 1", marks.marks["conv1"])
	}
}

func TestSubmitSeqIncreasesPerConversation(t *testing.T) {
	svc := newService(newFakeStore(), &fakeAlloc{}, &fakeQueue{}, &fakeMarks{})
	ctx := context.Background()
	for want := int64(1); want <= 5; want++ {
		res, err := svc.Submit(ctx, textInput("c"+strings.Repeat("x", int(want))))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if res.Seq != want {
			t.Fatalf("seq = %d, want %d", res.Seq, want)
		}
	}
}

func TestSubmitDuplicateReturnsOriginal(t *testing.T) {
	svc := newService(newFakeStore(), &fakeAlloc{}, &fakeQueue{}, &fakeMarks{})
	ctx := context.Background()

	first, err := svc.Submit(ctx, textInput("c1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := svc.Submit(ctx, textInput("c1"))
	if err != nil {
		t.Fatalf("retry Submit: %v", err)
	}
	if second.Status != StatusDuplicate {
		t.Fatalf("status = %q, want %q", second.Status, StatusDuplicate)
	}
	if second.MessageID != first.MessageID || second.Seq != first.Seq {
		t.Fatalf("retry = %+v, original = %+v", second, first)
	}
}

// The insert can lose the race to a concurrent retry even after the
// dedup read; the unique index error must surface as a duplicate, not
// a failure.
func TestSubmitConcurrentDuplicate(t *testing.T) {
	store, alloc, q, marks := newFakeStore(), &fakeAlloc{}, &fakeQueue{}, &fakeMarks{}
	svc := newService(store, alloc, q, marks)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	results := make(chan *Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Submit(ctx, textInput("same-id"))
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	var msgID string
	for res := range results {
		if res.Status == StatusCreated {
			created++
		}
		if msgID == "" {
			msgID = res.MessageID
		} else if res.MessageID != msgID {
			t.Fatalf("diverging message ids: %s vs %s", msgID, res.MessageID)
		}
	}
	if created != 1 {
		t.Fatalf("created %d times, want exactly 1", created)
	}
	if len(store.outbox) != 1 {
		t.Fatalf("outbox rows = %d, want 1", len(store.outbox))
	}
}

func TestSubmitValidation(t *testing.T) {
	svc := newService(newFakeStore(), &fakeAlloc{}, &fakeQueue{}, &fakeMarks{})
	ctx := context.Background()

	cases := []struct {
		name string
		mut  func(*Input)
		code int
	}{
		{"missing client id", func(in *Input) { in.ClientMsgID = "" }, errs.ErrArgs.Code},
		{"missing conversation", func(in *Input) { in.ConversationID = "" }, errs.ErrArgs.Code},
		{"missing sender", func(in *Input) { in.SenderID = "" }, errs.ErrArgs.Code},
		{"missing content type", func(in *Input) { in.ContentType = 0 }, errs.ErrArgs.Code},
		{"empty text content", func(in *Input) { in.Content = "" }, errs.ErrEmptyContent.Code},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := textInput("c1")
			tc.mut(&in)
			_, err := svc.Submit(ctx, in)
			if errs.Code(err) != tc.code {
				t.Fatalf("code = %d (%v), want %d", errs.Code(err), err, tc.code)
			}
		})
	}
}

func TestSubmitFailsWhenSeqUnavailable(t *testing.T) {
	alloc := &fakeAlloc{err: errs.ErrSeqUnavailable.WrapMsg("redis down")}
	store := newFakeStore()
	svc := newService(store, alloc, &fakeQueue{}, &fakeMarks{})

	_, err := svc.Submit(context.Background(), textInput("c1"))
	if errs.Code(err) != errs.ErrSeqUnavailable.Code {
		t.Fatalf("want seq unavailable, got %v", err)
	}
	if len(store.byKey) != 0 {
		t.Fatal("no message may be stored without a seq")
	}
}

func TestSubmitSucceedsWhenEnqueueFails(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{err: errors.New("broker down")}
	svc := newService(store, &fakeAlloc{}, q, &fakeMarks{})

	res, err := svc.Submit(context.Background(), textInput("c1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Status != StatusCreated {
		t.Fatalf("status = %q", res.Status)
	}
	// The outbox row exists and the rescan path redrives it.
	if len(store.outbox) != 1 {
		t.Fatalf("outbox rows = %d, want 1", len(store.outbox))
	}
}

func TestPreviewTruncates(t *testing.T) {
	long := strings.Repeat("é", previewLimit+50)
	got := preview(long)
	if len([]rune(got)) != previewLimit {
		t.Fatalf("preview runes = %d, want %d", len([]rune(got)), previewLimit)
	}
	if short := preview("hi"); short != "hi" {
		t.Fatalf("preview short = %q", short)
	}
}
