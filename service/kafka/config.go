package kafka

import "github.com/Shopify/sarama"

// Config for the outbox task queue. Topics are sharded so a hot
// conversation cannot stall the whole queue; the conversation id is
// the partition key, which keeps per-conversation ordering.
type Config struct {
	Brokers                 []string
	GroupID                 string
	TopicPattern            string // e.g. "im.outbox-%02d"
	TopicCount              int
	PartitionsPerTopic      int32
	ReplicationFactor       int16
	ProducerRetries         int
	ProducerCompression     string // none/snappy/lz4/zstd
	ConsumerInitialOffset   string // newest/oldest
	KafkaVersion            sarama.KafkaVersion
	AutoCreateTopicsOnStart bool
}

var Cfg = Config{
	Brokers:                 []string{"127.0.0.1:9092"},
	GroupID:                 "im-outbox-workers",
	TopicPattern:            "im.outbox-%02d",
	TopicCount:              16,
	PartitionsPerTopic:      8,
	ReplicationFactor:       1,
	ProducerRetries:         5,
	ProducerCompression:     "snappy",
	ConsumerInitialOffset:   "oldest",
	KafkaVersion:            sarama.V2_1_0_0,
	AutoCreateTopicsOnStart: true,
}
