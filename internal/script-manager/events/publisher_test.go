package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockKafkaProducer struct {
	mock.Mock
}

func (m *MockKafkaProducer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}
func (m *MockKafkaProducer) Close() error             { return nil }

func fixedPublisher(t *testing.T, p *MockKafkaProducer) *KafkaPublisher {
	pub := NewKafkaPublisher(p, nil)
	pub.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(pub.Close)
	return pub
}

func TestKafkaPublisher_SendToUser(t *testing.T) {
	producer := new(MockKafkaProducer)
	var captured []kafka.Message
	producer.On("WriteMessages", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(1).([]kafka.Message) }).
		Return(nil).Once()

	exitCode := 0
	pub := fixedPublisher(t, producer)
	pub.SendToUser(context.Background(), "u1", ChannelScriptExecution, ActionCompleted,
		ExecutionPayload{ExecutionID: "e1", ScriptID: 7, MachineID: "m1", Status: "SUCCESS", ExitCode: &exitCode})
	require.NoError(t, pub.Flush(context.Background()))

	producer.AssertExpectations(t)
	require.Len(t, captured, 1)
	assert.Equal(t, "user:u1", string(captured[0].Key))
	assert.Equal(t, []kafka.Header{
		{Key: "channel", Value: []byte(ChannelScriptExecution)},
		{Key: "action", Value: []byte(ActionCompleted)},
	}, captured[0].Headers)

	decoded, err := DecodeEnvelope(captured[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "u1", decoded["targetUser"])
	assert.Equal(t, ActionCompleted, decoded["action"])
	assert.Equal(t, "2026-03-01T12:00:00Z", decoded["timestamp"])
	payload := decoded["payload"].(map[string]interface{})
	assert.Equal(t, "e1", payload["executionId"])
	assert.Equal(t, 7.0, payload["scriptId"])
	assert.Equal(t, 0.0, payload["exitCode"])
}

func TestKafkaPublisher_DispatchEvent(t *testing.T) {
	producer := new(MockKafkaProducer)
	var captured []kafka.Message
	producer.On("WriteMessages", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(1).([]kafka.Message) }).
		Return(nil).Once()

	by := "u9"
	pub := fixedPublisher(t, producer)
	pub.DispatchEvent(context.Background(), ChannelScriptSchedule, ActionScheduled,
		SchedulePayload{ScriptID: 3, ScheduleType: "periodic", ExecutionIDs: []string{"a", "b"}}, &by)
	require.NoError(t, pub.Flush(context.Background()))

	require.Len(t, captured, 1)
	assert.Equal(t, ChannelScriptSchedule, string(captured[0].Key))
	decoded, err := DecodeEnvelope(captured[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "u9", decoded["triggeredBy"])
	payload := decoded["payload"].(map[string]interface{})
	assert.Equal(t, []interface{}{"a", "b"}, payload["executionIds"])
}

func TestKafkaPublisher_WriteErrorIsSwallowed(t *testing.T) {
	producer := new(MockKafkaProducer)
	producer.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()

	pub := fixedPublisher(t, producer)
	assert.NotPanics(t, func() {
		pub.DispatchEvent(context.Background(), ChannelScriptExecution, ActionStarted, map[string]string{}, nil)
	})
	require.NoError(t, pub.Flush(context.Background()))
	producer.AssertExpectations(t)
}

func TestEncodeEnvelope_RejectsUnencodable(t *testing.T) {
	_, err := EncodeEnvelope(Envelope{Payload: make(chan int)})
	assert.Error(t, err)
}

func TestKafkaPublisher_SlowBrokerDoesNotBlockCallers(t *testing.T) {
	producer := new(MockKafkaProducer)
	release := make(chan struct{})
	producer.On("WriteMessages", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(nil)

	pub := NewKafkaPublisherWithQueue(producer, nil, 2)
	start := time.Now()
	for i := 0; i < 10; i++ {
		pub.SendToUser(context.Background(), "u1", ChannelScriptExecution, ActionProgress, map[string]int{"i": i})
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	close(release)
	pub.Close()
	// One write in flight plus at most two queued; the rest were dropped.
	assert.LessOrEqual(t, len(producer.Calls), 3)
	assert.GreaterOrEqual(t, len(producer.Calls), 1)
}

func TestKafkaPublisher_CloseDrainsAndDropsLater(t *testing.T) {
	producer := new(MockKafkaProducer)
	producer.On("WriteMessages", mock.Anything, mock.Anything).Return(nil)

	pub := NewKafkaPublisher(producer, nil)
	pub.DispatchEvent(context.Background(), ChannelScriptSchedule, ActionScheduled, map[string]string{}, nil)
	pub.DispatchEvent(context.Background(), ChannelScriptSchedule, ActionScheduled, map[string]string{}, nil)
	pub.Close()
	producer.AssertNumberOfCalls(t, "WriteMessages", 2)

	pub.DispatchEvent(context.Background(), ChannelScriptSchedule, ActionScheduled, map[string]string{}, nil)
	assert.NoError(t, pub.Flush(context.Background()))
	pub.Close()
	producer.AssertNumberOfCalls(t, "WriteMessages", 2)
}
