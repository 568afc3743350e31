package kafka

import (
	"fmt"

	"TeamChat/logger"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

// EnsureTopics creates missing shard topics and widens existing ones
// whose partition count fell behind the config. Kafka can only add
// partitions, never remove them.
func EnsureTopics(admin sarama.ClusterAdmin, topics []string) error {
	minISR := "1"
	if Cfg.ReplicationFactor >= 3 {
		minISR = "2"
	}
	for _, t := range topics {
		descs, err := admin.DescribeTopics([]string{t})
		if err != nil {
			return fmt.Errorf("describe topic %s: %w", t, err)
		}
		exists := len(descs) == 1 && descs[0].Err == sarama.ErrNoError

		if !exists {
			td := &sarama.TopicDetail{
				NumPartitions:     Cfg.PartitionsPerTopic,
				ReplicationFactor: Cfg.ReplicationFactor,
				ConfigEntries: map[string]*string{
					"cleanup.policy":                 strPtr("delete"),
					"min.insync.replicas":            strPtr(minISR),
					"unclean.leader.election.enable": strPtr("false"),
					"compression.type":               strPtr("producer"),
				},
			}
			if err := admin.CreateTopic(t, td, false); err != nil {
				var te *sarama.TopicError
				if errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists {
					continue
				}
				if errors.Is(err, sarama.ErrTopicAlreadyExists) {
					continue
				}
				return fmt.Errorf("create topic %s: %w", t, err)
			}
			logger.Infof("[kafka] topic created: %s (partitions=%d, rf=%d)",
				t, Cfg.PartitionsPerTopic, Cfg.ReplicationFactor)
			continue
		}

		curParts := int32(len(descs[0].Partitions))
		if Cfg.PartitionsPerTopic > curParts {
			if err := admin.CreatePartitions(t, Cfg.PartitionsPerTopic, nil, false); err != nil {
				return fmt.Errorf("expand partitions %s from %d to %d: %w",
					t, curParts, Cfg.PartitionsPerTopic, err)
			}
			logger.Infof("[kafka] partitions expanded: %s (%d -> %d)", t, curParts, Cfg.PartitionsPerTopic)
		}
	}
	return nil
}

func strPtr(s string) *string { return &s }
