package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	smKafka "vm-script-service/internal/script-manager/kafka"
	"vm-script-service/internal/script-manager/metrics"
)

// Publisher is the event sink. Delivery is best-effort: implementations log
// failures instead of returning them.
type Publisher interface {
	DispatchEvent(ctx context.Context, channel, action string, payload interface{}, triggeredBy *string)
	SendToUser(ctx context.Context, userID, channel, action string, payload interface{})
}

const (
	DefaultEventQueueSize = 1024
	eventWriteTimeout     = 10 * time.Second
)

type outgoing struct {
	msg     kafka.Message
	channel string
	barrier chan struct{}
}

// KafkaPublisher writes protobuf-encoded envelopes to a Kafka topic from a
// single background writer. Callers only encode and enqueue; a full queue
// drops the event.
type KafkaPublisher struct {
	Producer smKafka.ProducerInterface
	Metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan outgoing
	done   chan struct{}
}

func NewKafkaPublisher(producer smKafka.ProducerInterface, m *metrics.Metrics) *KafkaPublisher {
	return NewKafkaPublisherWithQueue(producer, m, DefaultEventQueueSize)
}

func NewKafkaPublisherWithQueue(producer smKafka.ProducerInterface, m *metrics.Metrics, queueSize int) *KafkaPublisher {
	if queueSize <= 0 {
		queueSize = DefaultEventQueueSize
	}
	p := &KafkaPublisher{
		Producer: producer,
		Metrics:  m,
		now:      time.Now,
		queue:    make(chan outgoing, queueSize),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *KafkaPublisher) DispatchEvent(ctx context.Context, channel, action string, payload interface{}, triggeredBy *string) {
	env := Envelope{Channel: channel, Action: action, Timestamp: p.now().UTC(), Payload: payload}
	if triggeredBy != nil {
		env.TriggeredBy = *triggeredBy
	}
	p.enqueue(ctx, channel, env)
}

func (p *KafkaPublisher) SendToUser(ctx context.Context, userID, channel, action string, payload interface{}) {
	env := Envelope{Channel: channel, Action: action, TargetUser: userID, Timestamp: p.now().UTC(), Payload: payload}
	p.enqueue(ctx, "user:"+userID, env)
}

// enqueue encodes on the caller's goroutine so later mutation of payload does
// not leak into the message.
func (p *KafkaPublisher) enqueue(ctx context.Context, key string, env Envelope) {
	value, err := EncodeEnvelope(env)
	if err != nil {
		hlog.CtxErrorf(ctx, "EventPublisher: error encoding %s/%s event: %v", env.Channel, env.Action, err)
		p.Metrics.RecordEvent(env.Channel, false)
		return
	}
	item := outgoing{
		channel: env.Channel,
		msg: kafka.Message{
			Key:   []byte(key),
			Value: value,
			Headers: []kafka.Header{
				{Key: "channel", Value: []byte(env.Channel)},
				{Key: "action", Value: []byte(env.Action)},
			},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		hlog.CtxWarnf(ctx, "EventPublisher: closed, dropping %s/%s event", env.Channel, env.Action)
		p.Metrics.RecordEvent(env.Channel, false)
		return
	}
	select {
	case p.queue <- item:
	default:
		hlog.CtxWarnf(ctx, "EventPublisher: queue full, dropping %s/%s event (key %s)", env.Channel, env.Action, key)
		p.Metrics.RecordEvent(env.Channel, false)
	}
}

func (p *KafkaPublisher) run() {
	defer close(p.done)
	for item := range p.queue {
		if item.barrier != nil {
			close(item.barrier)
			continue
		}
		writeCtx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
		err := p.Producer.WriteMessages(writeCtx, item.msg)
		cancel()
		if err != nil {
			hlog.Errorf("EventPublisher: error sending %s event (key %s) to Kafka: %v", item.channel, string(item.msg.Key), err)
			p.Metrics.RecordEvent(item.channel, false)
			continue
		}
		p.Metrics.RecordEvent(item.channel, true)
	}
}

// Flush waits until every event queued before the call has been handed to
// the producer.
func (p *KafkaPublisher) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil
	}
	select {
	case p.queue <- outgoing{barrier: barrier}:
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	p.mu.RUnlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the writer. It does not close the producer.
func (p *KafkaPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}

// EncodeEnvelope serialises env as a protobuf Struct.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("normalize envelope: %w", err)
	}
	st, err := structpb.NewStruct(tree)
	if err != nil {
		return nil, fmt.Errorf("build envelope struct: %w", err)
	}
	return proto.Marshal(st)
}

// DecodeEnvelope is the inverse of EncodeEnvelope, returning generic values.
func DecodeEnvelope(data []byte) (map[string]interface{}, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return st.AsMap(), nil
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) DispatchEvent(context.Context, string, string, interface{}, *string) {}
func (NopPublisher) SendToUser(context.Context, string, string, string, interface{})     {}
