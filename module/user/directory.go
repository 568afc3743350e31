package user

import "context"

// External collaborators. The pipeline consumes these, it never
// implements membership or profile storage itself.

// Display is the sender snapshot attached to sync pages.
type Display struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	FaceURL  string `json:"face_url,omitempty"`
}

// Membership answers "who is in this conversation", "which
// conversations is this user in", and "may this user read it".
type Membership interface {
	ListMembers(ctx context.Context, conversationID string) ([]string, error)
	ListConversations(ctx context.Context, userID string) ([]string, error)
	CanRead(ctx context.Context, userID, conversationID string) (bool, error)
}

// Directory batch-resolves display data for message enrichment.
type Directory interface {
	BatchDisplay(ctx context.Context, userIDs []string) (map[string]Display, error)
}
