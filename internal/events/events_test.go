package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/claimqueue/pkg/types"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func resolvedUnit(out types.Outcome) types.Unit {
	return types.Unit{
		ID:      "unit-1",
		Kind:    types.UnitClaim,
		Attempt: 1,
		Request: types.ClaimRequest{TaskID: "t1", UserID: "u1", BuyerAccountID: "a1"},
		Status:  types.StatusCompleted,
		Outcome: &out,
	}
}

func TestFromUnit(t *testing.T) {
	ev := FromUnit(resolvedUnit(types.Accept("o1")))
	assert.True(t, ev.Accepted)
	assert.Equal(t, types.OrderID("o1"), ev.OrderID)
	assert.Equal(t, types.TaskID("t1"), ev.TaskID)
	assert.Empty(t, ev.Reason)

	ev = FromUnit(resolvedUnit(types.Reject(types.ReasonAlreadyClaimed)))
	assert.False(t, ev.Accepted)
	assert.Equal(t, types.ReasonAlreadyClaimed, ev.Reason)
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}

	require.NoError(t, p.Publish(context.Background(), FromUnit(resolvedUnit(types.Accept("o1")))))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "t1", string(w.msgs[0].Key))

	var got OutcomeEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, types.UnitID("unit-1"), got.UnitID)
	assert.True(t, got.Accepted)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := &KafkaPublisher{writer: &fakeWriter{err: boom}}

	err := p.Publish(context.Background(), OutcomeEvent{TaskID: "t1"})
	assert.ErrorIs(t, err, boom)
}

func TestNewKafkaPublisher_Defaults(t *testing.T) {
	p := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}})
	kw, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, DefaultTopic, kw.Topic)
	assert.Equal(t, 100, kw.BatchSize)
	require.NoError(t, p.Close())
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), OutcomeEvent{}))
	assert.NoError(t, p.Close())
}
