package kafka

import (
	"context"

	"TeamChat/logger"

	"github.com/Shopify/sarama"
)

type ConsumerGroupHandler struct{}

func (h *ConsumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	logger.Info("[kafka] consumer group setup")
	return nil
}

func (h *ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	logger.Info("[kafka] consumer group cleanup")
	return nil
}

// ConsumeClaim marks every record consumed, failed ones included; the
// outbox row keeps its own retry state so a crashed handler is
// re-driven by the staleness rescan, not by Kafka redelivery.
func (h *ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		handler, err := GetHandler(msg.Topic)
		if err != nil {
			logger.Warnf("[kafka] no handler for topic %s: %v", msg.Topic, err)
		} else if err := handler(msg.Topic, msg.Key, msg.Value); err != nil {
			logger.Errorf("[kafka] handler error topic=%s partition=%d offset=%d: %v",
				msg.Topic, msg.Partition, msg.Offset, err)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// StartConsumerGroup joins the group and consumes until ctx is
// cancelled. Consume returns on every rebalance; the loop rejoins.
func StartConsumerGroup(ctx context.Context, brokers []string, groupID string, topics []string) error {
	group, err := sarama.NewConsumerGroup(brokers, groupID, BuildBaseConfig())
	if err != nil {
		return err
	}
	defer group.Close()

	go func() {
		for err := range group.Errors() {
			logger.Errorf("[kafka] consumer group error: %v", err)
		}
	}()

	handler := &ConsumerGroupHandler{}
	for {
		if err := group.Consume(ctx, topics, handler); err != nil {
			logger.Errorf("[kafka] consume error: %v", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
