package seq

import (
	"context"

	chatmsg "TeamChat/module/chat/message"
)

// DAO answers floor lookups from the message store. The seq_conversation
// row is raised in the same transaction as each message, so it is the
// authoritative floor; the message scan is a belt-and-braces fallback
// for rows written before the floor collection existed.
type DAO struct {
	Store *chatmsg.Store
}

func (d *DAO) SeqFloor(ctx context.Context, conversationID string) (int64, error) {
	floor, err := d.Store.SeqFloor(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if floor > 0 {
		return floor, nil
	}
	return d.Store.MaxSeq(ctx, conversationID)
}
