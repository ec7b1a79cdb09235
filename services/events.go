package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"packager/models"
)

// VideoEvent announces a job reaching a terminal or accepted state.
type VideoEvent struct {
	VideoID           string           `json:"videoId"`
	Status            models.JobStatus `json:"status"`
	MasterPlaylistURL string           `json:"masterPlaylistUrl,omitempty"`
	Error             string           `json:"error,omitempty"`
	OccurredAt        time.Time        `json:"occurredAt"`
}

type Notifier interface {
	Notify(ctx context.Context, event VideoEvent) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type KafkaNotifier struct {
	writer messageWriter
	topic  string
	logger zerolog.Logger
}

func NewKafkaNotifier(brokers []string, topic string, logger zerolog.Logger) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka notifier: brokers list is empty")
	}
	if topic == "" {
		return nil, errors.New("kafka notifier: topic is empty")
	}
	return &KafkaNotifier{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafkago.Hash{},
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafkago.RequireOne,
		},
		topic:  topic,
		logger: logger.With().Str("component", "notifier").Str("topic", topic).Logger(),
	}, nil
}

// Notify publishes event keyed by video id, so one video's events stay
// ordered within a partition.
func (n *KafkaNotifier) Notify(ctx context.Context, event VideoEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka notify marshal: %w", err)
	}
	err = n.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(event.VideoID),
		Value: value,
		Headers: []kafkago.Header{
			{Key: "status", Value: []byte(event.Status)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka notify %s: %w", event.VideoID, err)
	}
	n.logger.Debug().Str("video_id", event.VideoID).Str("status", string(event.Status)).Msg("event published")
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, VideoEvent) error { return nil }
func (NoopNotifier) Close() error { return nil }
