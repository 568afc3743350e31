package kafka

import (
	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

// SendKeyed publishes one record with the key driving partition
// placement.
func SendKeyed(topic, key string, value []byte) error {
	if SyncProd == nil {
		return errors.New("kafka producer not initialized")
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	_, _, err := SyncProd.SendMessage(msg)
	return err
}
