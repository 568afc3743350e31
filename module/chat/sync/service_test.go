package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	chatmodel "TeamChat/module/chat/model"
	"TeamChat/module/user"
	errs "TeamChat/tools/errs"
)

type fakeReadStore struct {
	msgs       []chatmodel.MessageModel // ascending by seq
	readStates map[string]*chatmodel.ReadState // userID|convID
	syncSeqs   map[string]int64
	marked     []int64
	listErr    error
}

func newReadStore(convID string, seqs ...int64) *fakeReadStore {
	s := &fakeReadStore{
		readStates: make(map[string]*chatmodel.ReadState),
		syncSeqs:   make(map[string]int64),
	}
	for _, n := range seqs {
		s.msgs = append(s.msgs, chatmodel.MessageModel{
			MsgID:          fmt.Sprintf("m%d", n),
			ConversationID: convID,
			SenderID:       "alice",
			Seq:            n,
			Content:        fmt.Sprintf("msg %d", n),
			ContentType:    chatmodel.ContentTypeText,
		})
	}
	return s
}

func (s *fakeReadStore) ListAfterSeq(_ context.Context, convID string, afterSeq, limit int64) ([]chatmodel.MessageModel, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []chatmodel.MessageModel
	for _, m := range s.msgs {
		if m.ConversationID == convID && m.Seq > afterSeq {
			out = append(out, m)
			if int64(len(out)) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeReadStore) MaxSeq(_ context.Context, convID string) (int64, error) {
	var max int64
	for _, m := range s.msgs {
		if m.ConversationID == convID && m.Seq > max {
			max = m.Seq
		}
	}
	return max, nil
}

func (s *fakeReadStore) AdvanceSyncSeq(_ context.Context, userID, convID string, proposed int64) (int64, error) {
	k := userID + "|" + convID
	if proposed > s.syncSeqs[k] {
		s.syncSeqs[k] = proposed
	}
	return s.syncSeqs[k], nil
}

func (s *fakeReadStore) GetReadState(_ context.Context, userID, convID string) (*chatmodel.ReadState, error) {
	if rs, ok := s.readStates[userID+"|"+convID]; ok {
		return rs, nil
	}
	return &chatmodel.ReadState{UserID: userID, ConversationID: convID}, nil
}

func (s *fakeReadStore) MarkReadTo(_ context.Context, _, _ string, upToSeq, maxSeq int64) error {
	s.marked = append(s.marked, upToSeq, maxSeq)
	return nil
}

type fakeCursors struct {
	cursors map[string]int64
	maxes   map[string]int64
}

func newFakeCursors() *fakeCursors {
	return &fakeCursors{cursors: make(map[string]int64), maxes: make(map[string]int64)}
}

func (c *fakeCursors) GetCursor(_ context.Context, userID, convID string) (int64, bool, error) {
	v, ok := c.cursors[userID+"|"+convID]
	return v, ok, nil
}

func (c *fakeCursors) AdvanceCursor(_ context.Context, userID, convID string, proposed int64) (int64, error) {
	k := userID + "|" + convID
	if proposed > c.cursors[k] {
		c.cursors[k] = proposed
	}
	return c.cursors[k], nil
}

func (c *fakeCursors) GetConvMax(_ context.Context, convID string) (int64, bool, error) {
	v, ok := c.maxes[convID]
	return v, ok, nil
}

func (c *fakeCursors) AdvanceConvMax(_ context.Context, convID string, seq int64) error {
	if seq > c.maxes[convID] {
		c.maxes[convID] = seq
	}
	return nil
}

type allowAll struct{}

func (allowAll) CanRead(context.Context, string, string) (bool, error) { return true, nil }

type denyAll struct{}

func (denyAll) CanRead(context.Context, string, string) (bool, error) { return false, nil }

type fakeDirectory struct {
	displays map[string]user.Display
	err      error
}

func (d *fakeDirectory) BatchDisplay(_ context.Context, _ []string) (map[string]user.Display, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.displays, nil
}

func newSyncService(store *fakeReadStore, cursors *fakeCursors, access Access) *Service {
	dir := &fakeDirectory{displays: map[string]user.Display{
		"alice": {UserID: "alice", Nickname: "Alice", FaceURL: "http://x/a.png"},
	}}
	return NewService(store, cursors, access, dir)
}

func TestSyncReturnsInOrderAndAdvancesCursor(t *testing.T) {
	store := newReadStore("conv1", 1, 2, 3, 4, 5)
	cursors := newFakeCursors()
	svc := newSyncService(store, cursors, allowAll{})

	resp, err := svc.Sync(context.Background(), Request{UserID: "bob", ConversationID: "conv1", AfterSeq: 2, Limit: 10})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(resp.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(resp.Items))
	}
	for i, want := range []int64{3, 4, 5} {
		if resp.Items[i].Seq != want {
			t.Fatalf("item %d seq = %d, want %d", i, resp.Items[i].Seq, want)
		}
	}
	if resp.NextCursor != 5 || resp.HasMore {
		t.Fatalf("next = %d hasMore = %v", resp.NextCursor, resp.HasMore)
	}
	if store.syncSeqs["bob|conv1"] != 5 {
		t.Fatalf("durable cursor = %d, want 5", store.syncSeqs["bob|conv1"])
	}
	if cursors.cursors["bob|conv1"] != 5 {
		t.Fatalf("cached cursor = %d, want 5", cursors.cursors["bob|conv1"])
	}
	if resp.Items[0].SenderNickname != "Alice" {
		t.Fatalf("nickname = %q", resp.Items[0].SenderNickname)
	}
}

func TestSyncHasMoreUsesLimitPlusOne(t *testing.T) {
	store := newReadStore("conv1", 1, 2, 3, 4, 5)
	svc := newSyncService(store, newFakeCursors(), allowAll{})

	resp, err := svc.Sync(context.Background(), Request{UserID: "bob", ConversationID: "conv1", AfterSeq: 0, Limit: 3})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(resp.Items) != 3 || !resp.HasMore {
		t.Fatalf("items = %d hasMore = %v", len(resp.Items), resp.HasMore)
	}
	if resp.NextCursor != 3 {
		t.Fatalf("next = %d, want 3", resp.NextCursor)
	}
}

func TestSyncEmptyPageLeavesCursor(t *testing.T) {
	store := newReadStore("conv1", 1, 2)
	cursors := newFakeCursors()
	svc := newSyncService(store, cursors, allowAll{})

	resp, err := svc.Sync(context.Background(), Request{UserID: "bob", ConversationID: "conv1", AfterSeq: 9})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(resp.Items) != 0 || resp.HasMore || resp.NextCursor != 9 {
		t.Fatalf("resp = %+v", resp)
	}
	if cursors.cursors["bob|conv1"] != 0 {
		t.Fatal("empty page must not advance the cursor")
	}
}

func TestSyncNegativeAfterSeqUsesStoredCursor(t *testing.T) {
	store := newReadStore("conv1", 1, 2, 3, 4)
	store.readStates["bob|conv1"] = &chatmodel.ReadState{UserID: "bob", ConversationID: "conv1", LastSyncSeq: 2}
	cursors := newFakeCursors()
	svc := newSyncService(store, cursors, allowAll{})

	resp, err := svc.Sync(context.Background(), Request{UserID: "bob", ConversationID: "conv1", AfterSeq: -1})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(resp.Items) != 2 || resp.Items[0].Seq != 3 {
		t.Fatalf("resp = %+v", resp)
	}
	// The cache miss repopulated the cursor tier from the durable row.
	if cursors.cursors["bob|conv1"] < 2 {
		t.Fatalf("cache not repopulated: %v", cursors.cursors)
	}
}

func TestSyncCachedCursorWins(t *testing.T) {
	store := newReadStore("conv1", 1, 2, 3, 4)
	cursors := newFakeCursors()
	cursors.cursors["bob|conv1"] = 3
	svc := newSyncService(store, cursors, allowAll{})

	resp, err := svc.Sync(context.Background(), Request{UserID: "bob", ConversationID: "conv1", AfterSeq: -1})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Seq != 4 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestSyncWatermarkShortCircuit(t *testing.T) {
	store := newReadStore("conv1", 1, 2, 3)
	cursors := newFakeCursors()
	cursors.maxes["conv1"] = 3
	store.listErr = errors.New("must not touch the message collection")
	svc := newSyncService(store, cursors, allowAll{})

	resp, err := svc.Sync(context.Background(), Request{UserID: "bob", ConversationID: "conv1", AfterSeq: 3})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(resp.Items) != 0 || resp.HasMore {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestSyncRejectsNonMember(t *testing.T) {
	store := newReadStore("conv1", 1)
	svc := newSyncService(store, newFakeCursors(), denyAll{})

	_, err := svc.Sync(context.Background(), Request{UserID: "eve", ConversationID: "conv1", AfterSeq: 0})
	if errs.Code(err) != errs.ErrNotMember.Code {
		t.Fatalf("want not-member, got %v", err)
	}
}

func TestSyncLimitClamped(t *testing.T) {
	seqs := make([]int64, MaxLimit+10)
	for i := range seqs {
		seqs[i] = int64(i + 1)
	}
	store := newReadStore("conv1", seqs...)
	svc := newSyncService(store, newFakeCursors(), allowAll{})

	resp, err := svc.Sync(context.Background(), Request{UserID: "bob", ConversationID: "conv1", AfterSeq: 0, Limit: 10000})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(resp.Items) != MaxLimit || !resp.HasMore {
		t.Fatalf("items = %d hasMore = %v", len(resp.Items), resp.HasMore)
	}
}

func TestSyncDisplayFailureStillDelivers(t *testing.T) {
	store := newReadStore("conv1", 1, 2)
	svc := NewService(store, newFakeCursors(), allowAll{}, &fakeDirectory{err: errors.New("directory down")})

	resp, err := svc.Sync(context.Background(), Request{UserID: "bob", ConversationID: "conv1", AfterSeq: 0})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(resp.Items) != 2 || resp.Items[0].SenderNickname != "" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestAckDeliveredAdvancesForwardOnly(t *testing.T) {
	store := newReadStore("conv1", 1, 2, 3)
	cursors := newFakeCursors()
	svc := newSyncService(store, cursors, allowAll{})

	if err := svc.AckDelivered(context.Background(), "bob", "conv1", 5); err != nil {
		t.Fatalf("AckDelivered: %v", err)
	}
	if store.syncSeqs["bob|conv1"] != 5 || cursors.cursors["bob|conv1"] != 5 {
		t.Fatalf("cursor = %d/%d, want 5", store.syncSeqs["bob|conv1"], cursors.cursors["bob|conv1"])
	}

	// A late or duplicate ack never moves the cursor back.
	if err := svc.AckDelivered(context.Background(), "bob", "conv1", 3); err != nil {
		t.Fatalf("AckDelivered: %v", err)
	}
	if store.syncSeqs["bob|conv1"] != 5 {
		t.Fatalf("cursor regressed to %d", store.syncSeqs["bob|conv1"])
	}

	if err := svc.AckDelivered(context.Background(), "", "conv1", 1); errs.Code(err) != errs.ErrArgs.Code {
		t.Fatalf("want args error, got %v", err)
	}
	if err := svc.AckDelivered(context.Background(), "bob", "conv1", -1); errs.Code(err) != errs.ErrArgs.Code {
		t.Fatalf("want args error, got %v", err)
	}
}

func TestMarkRead(t *testing.T) {
	store := newReadStore("conv1", 1, 2, 3)
	cursors := newFakeCursors()
	cursors.maxes["conv1"] = 3
	svc := newSyncService(store, cursors, allowAll{})

	if err := svc.MarkRead(context.Background(), "bob", "conv1", 2); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if len(store.marked) != 2 || store.marked[0] != 2 || store.marked[1] != 3 {
		t.Fatalf("marked = %v", store.marked)
	}

	if err := svc.MarkRead(context.Background(), "", "conv1", 2); errs.Code(err) != errs.ErrArgs.Code {
		t.Fatalf("want args error, got %v", err)
	}
	deny := newSyncService(store, cursors, denyAll{})
	if err := deny.MarkRead(context.Background(), "eve", "conv1", 2); errs.Code(err) != errs.ErrNotMember.Code {
		t.Fatalf("want not-member, got %v", err)
	}
}
