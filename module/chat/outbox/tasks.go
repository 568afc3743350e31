package outbox

import (
	"context"
	"encoding/json"

	"TeamChat/logger"
	chatmodel "TeamChat/module/chat/model"
	"TeamChat/service/kafka"
)

// KafkaTaskQueue publishes outbox task records on the sharded queue,
// keyed by conversation so one conversation's tasks stay ordered.
type KafkaTaskQueue struct {
	topics []string
}

func NewKafkaTaskQueue() *KafkaTaskQueue {
	return &KafkaTaskQueue{topics: kafka.GenTopics()}
}

func (q *KafkaTaskQueue) EnqueueOutbox(ctx context.Context, rec chatmodel.OutboxRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	topic := kafka.SelectTopicByConversation(rec.Payload.ConversationID, q.topics)
	return kafka.SendKeyed(topic, rec.Payload.ConversationID, data)
}

// RegisterTaskHandlers binds the processor to every queue shard. The
// consumer group then drives Process for each task record.
func RegisterTaskHandlers(p *Processor) []string {
	topics := kafka.GenTopics()
	for _, t := range topics {
		kafka.RegisterHandler(t, func(topic string, key, value []byte) error {
			var rec chatmodel.OutboxRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				logger.Warnf("[outbox] bad task record on %s: %v", topic, err)
				return nil // unparseable, do not redrive
			}
			return p.Process(context.Background(), rec.ID)
		})
	}
	return topics
}
