package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes audit events to a topic. The writer is asynchronous, so Write
// returns once the message is buffered.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		Async:        true,
		BatchTimeout: 100 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warn().Err(err).Int("count", len(messages)).Msg("audit events not delivered to kafka")
			}
		},
	}

	log.Info().
		Str("brokers", strings.Join(brokers, ",")).
		Str("topic", topic).
		Msg("kafka audit sink configured")

	return &KafkaSink{writer: w}
}

func (k *KafkaSink) Write(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.SessionID),
		Value: value,
		Time:  event.At,
	})
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
