// Package events publishes committed ledger interactions to a Redis stream
// for downstream consumers (feed ranking, notification fan-out).
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event types emitted after a successful commit.
const (
	TypePostLiked         = "post.liked"
	TypePostUnliked       = "post.unliked"
	TypeCommentCreated    = "comment.created"
	TypeNotificationsRead = "notifications.read"
	TypeCartUpdated       = "cart.updated"
	TypeMessageSent       = "message.sent"
)

const defaultMaxLen = 100000

// Event is one interaction record.
type Event struct {
	Type       string
	ActorID    string
	SubjectID  string
	Payload    map[string]any
	OccurredAt time.Time
}

// Publisher emits interaction events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// RedisStreamConfig configures RedisStreamPublisher.
type RedisStreamConfig struct {
	Stream string
	MaxLen int64
}

// RedisStreamPublisher appends events to a capped Redis stream.
type RedisStreamPublisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisStreamPublisher builds a publisher on an existing client.
func NewRedisStreamPublisher(client redis.UniversalClient, cfg RedisStreamConfig) (*RedisStreamPublisher, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("event stream required")
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}, nil
}

// Publish appends ev to the stream. The stream is trimmed approximately.
func (p *RedisStreamPublisher) Publish(ctx context.Context, ev Event) error {
	if strings.TrimSpace(ev.Type) == "" {
		return errors.New("event type required")
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":        ev.Type,
			"actor_id":    ev.ActorID,
			"subject_id":  ev.SubjectID,
			"payload":     string(raw),
			"occurred_at": occurred.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}
