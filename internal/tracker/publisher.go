package tracker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-lifecycle/internal/models"
)

// PositionMessage is the wire form of one telemetry sample on the
// ride-positions topic. Keyed by driver so the geo index consumer sees each
// driver's samples in order.
type PositionMessage struct {
	RideID   string                `json:"ride_id"`
	DriverID string                `json:"driver_id"`
	Sample   models.PositionSample `json:"sample"`
}

// Publisher is the fire-and-forget telemetry sink.
type Publisher interface {
	PublishSample(msg PositionMessage) error
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) PublishSample(msg PositionMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(msg)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(msg.DriverID), Value: b})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
