package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fasket/outbox/internal/domain/outbox"
	"github.com/redis/go-redis/v9"
)

// streamMaxLen caps each stream; trimming is approximate.
const streamMaxLen = 10000

// StreamProducer appends operational records to Redis streams for
// downstream error-tracking and dead-letter consumers.
type StreamProducer struct {
	client           *redis.Client
	alertStream      string
	deadLetterStream string
}

func NewStreamProducer(client *redis.Client, alertStream, deadLetterStream string) *StreamProducer {
	return &StreamProducer{
		client:           client,
		alertStream:      alertStream,
		deadLetterStream: deadLetterStream,
	}
}

// ForwardAlert publishes an ops alert to the alert stream.
func (p *StreamProducer) ForwardAlert(ctx context.Context, alertType, dedupeKey string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.alertStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"alert_type": alertType,
			"dedupe_key": dedupeKey,
			"payload":    string(data),
			"timestamp":  time.Now().Unix(),
		},
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// PublishDeadLetter records a dead-lettered event on the dead-letter stream.
func (p *StreamProducer) PublishDeadLetter(ctx context.Context, e *outbox.Event) error {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter payload: %w", err)
	}

	values := map[string]any{
		"event_id":   e.ID.String(),
		"event_type": e.Type,
		"attempts":   e.Attempts,
		"payload":    string(data),
		"timestamp":  time.Now().Unix(),
	}
	if e.LastHTTPStatus != nil {
		values["last_http_status"] = *e.LastHTTPStatus
	}
	if e.LastError != nil {
		values["last_error"] = *e.LastError
	}

	args := &redis.XAddArgs{
		Stream: p.deadLetterStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}
	return nil
}
