package user

import (
	"context"
	"sync"
)

// StaticDirectory is an in-memory Membership+Directory used in dev
// setups and tests while the real membership service is external.
type StaticDirectory struct {
	mu      sync.RWMutex
	members map[string][]string // conversationID -> userIDs
	users   map[string]Display
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		members: make(map[string][]string),
		users:   make(map[string]Display),
	}
}

func (d *StaticDirectory) AddMember(conversationID string, userIDs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[conversationID] = append(d.members[conversationID], userIDs...)
}

func (d *StaticDirectory) PutUser(u Display) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.UserID] = u
}

func (d *StaticDirectory) ListMembers(_ context.Context, conversationID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.members[conversationID]))
	copy(out, d.members[conversationID])
	return out, nil
}

func (d *StaticDirectory) ListConversations(_ context.Context, userID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for convID, users := range d.members {
		for _, u := range users {
			if u == userID {
				out = append(out, convID)
				break
			}
		}
	}
	return out, nil
}

func (d *StaticDirectory) CanRead(_ context.Context, userID, conversationID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, m := range d.members[conversationID] {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

func (d *StaticDirectory) BatchDisplay(_ context.Context, userIDs []string) (map[string]Display, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]Display, len(userIDs))
	for _, id := range userIDs {
		if u, ok := d.users[id]; ok {
			out[id] = u
		} else {
			out[id] = Display{UserID: id, Nickname: id}
		}
	}
	return out, nil
}
