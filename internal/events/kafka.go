package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ksred/klear-dex/internal/types"
	"github.com/segmentio/kafka-go"
)

const (
	TypeStatusChange = "order.status"
	TypeFill         = "order.fill"
)

// Envelope is the value of every message written to Kafka.
type Envelope struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq"`
	PairID  string          `json:"pair_id"`
	Payload json.RawMessage `json:"payload"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes events to one topic keyed by pair id, so every consumer
// partition sees a pair's events in sequence order.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func message(kind string, seq uint64, pairID string, payload any) (kafka.Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, err
	}
	value, err := json.Marshal(Envelope{Type: kind, Seq: seq, PairID: pairID, Payload: raw})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(pairID),
		Value:   value,
		Headers: []kafka.Header{{Key: "type", Value: []byte(kind)}},
	}, nil
}

// Messages encodes a report in sequence order: status changes and fills
// interleaved as they happened.
func Messages(report types.Report) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(report.Changes)+len(report.Fills))
	ci, fi := 0, 0
	for ci < len(report.Changes) || fi < len(report.Fills) {
		var (
			msg kafka.Message
			err error
		)
		if fi >= len(report.Fills) || (ci < len(report.Changes) && report.Changes[ci].Seq < report.Fills[fi].Seq) {
			c := report.Changes[ci]
			msg, err = message(TypeStatusChange, c.Seq, c.PairID, c)
			ci++
		} else {
			f := report.Fills[fi]
			msg, err = message(TypeFill, f.Seq, f.PairID, f)
			fi++
		}
		if err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *KafkaSink) Publish(ctx context.Context, report types.Report) error {
	msgs, err := Messages(report)
	if err != nil || len(msgs) == 0 {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write events to kafka: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
