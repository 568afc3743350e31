package kafka

import (
	"fmt"
	"hash/crc32"
)

// GenTopics expands the shard pattern: im.outbox-00, im.outbox-01, ...
func GenTopics() []string {
	out := make([]string, 0, Cfg.TopicCount)
	for i := 0; i < Cfg.TopicCount; i++ {
		out = append(out, fmt.Sprintf(Cfg.TopicPattern, i))
	}
	return out
}

// SelectTopicByConversation pins a conversation to one shard so its
// outbox tasks stay ordered.
func SelectTopicByConversation(conversationID string, topics []string) string {
	if len(topics) == 0 {
		return ""
	}
	h := crc32.ChecksumIEEE([]byte(conversationID))
	return topics[int(h%uint32(len(topics)))]
}
