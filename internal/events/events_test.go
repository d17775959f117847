package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ksred/klear-dex/internal/types"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

type failing struct{}

func (failing) Publish(context.Context, types.Report) error { return errors.New("boom") }

func sampleReport() types.Report {
	return types.Report{
		Changes: []types.StatusChange{
			{Seq: 1, PairID: "AVAX/USDC", OrderID: "a", Status: types.StatusNew},
			{Seq: 3, PairID: "AVAX/USDC", OrderID: "b", Status: types.StatusFilled},
		},
		Fills: []types.Fill{
			{ID: "f1", Seq: 2, PairID: "AVAX/USDC", Price: decimal.NewFromInt(10), Quantity: decimal.NewFromInt(1)},
		},
	}
}

func TestMessagesAreInSequenceOrder(t *testing.T) {
	msgs, err := Messages(sampleReport())
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	var kinds []string
	var seqs []uint64
	for _, m := range msgs {
		assert.Equal(t, "AVAX/USDC", string(m.Key))
		var env Envelope
		require.NoError(t, json.Unmarshal(m.Value, &env))
		kinds = append(kinds, env.Type)
		seqs = append(seqs, env.Seq)
	}
	assert.Equal(t, []string{TypeStatusChange, TypeFill, TypeStatusChange}, kinds)
	assert.Equal(t, []uint64{1, 2, 3}, seqs)

	var fill types.Fill
	var env Envelope
	require.NoError(t, json.Unmarshal(msgs[1].Value, &env))
	require.NoError(t, json.Unmarshal(env.Payload, &fill))
	assert.Equal(t, "f1", fill.ID)
	assert.True(t, fill.Price.Equal(decimal.NewFromInt(10)))
}

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w}
	require.NoError(t, sink.Publish(context.Background(), sampleReport()))
	assert.Len(t, w.msgs, 3)

	require.NoError(t, sink.Publish(context.Background(), types.Report{}))
	assert.Len(t, w.msgs, 3)

	w.err = errors.New("broker down")
	assert.ErrorContains(t, sink.Publish(context.Background(), sampleReport()), "broker down")

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestFanoutAndRecorder(t *testing.T) {
	rec := &Recorder{}
	fan := Fanout{NewLogSink(), failing{}, rec}

	err := fan.Publish(context.Background(), sampleReport())
	assert.ErrorContains(t, err, "boom")
	assert.Len(t, rec.Reports(), 1)
	assert.Len(t, rec.Changes(), 2)
	assert.Len(t, rec.Fills(), 1)

	rec.Reset()
	assert.Empty(t, rec.Changes())
	assert.NoError(t, Fanout{}.Publish(context.Background(), sampleReport()))
}
