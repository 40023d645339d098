package kafka

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/segmentio/kafka-go"
)

// ProducerInterface is the subset of *kafka.Writer the event publisher uses.
type ProducerInterface interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderInterface is the subset of *kafka.Reader the VM status consumer uses.
type ReaderInterface interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// NewKafkaProducer returns a synchronous writer for topic. Messages are keyed,
// so the hash balancer keeps one channel or user on one partition.
func NewKafkaProducer(brokers []string, topic string) *kafka.Writer {
	producer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		WriteTimeout: 10 * time.Second,
	}
	hlog.Infof("Script Manager Kafka producer configured for topic: %s", topic)
	return producer
}

// NewKafkaReader returns a consumer-group reader for topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        3 * time.Second,
	})
	hlog.Infof("Script Manager Kafka consumer configured for topic: %s, groupID: %s", topic, groupID)
	return reader
}
