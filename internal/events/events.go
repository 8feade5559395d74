// Package events fans lifecycle and progress notifications out over Redis
// pub/sub. Publishing is best-effort: failures are logged and never fail
// the run that produced the event.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"channelscope/channel-service/internal/model"
)

// Redis channel names.
const (
	ChannelLifecycle = "EVENT_CHANNEL_LIFECYCLE"
	ChannelProgress  = "EVENT_SCRAPE_PROGRESS"
)

// Progress event types.
const (
	ProgressRegionCompleted   = "region_completed"
	ProgressScrapingCompleted = "scraping_completed"
)

// Progress is one run progress notification.
type Progress struct {
	Type      string                `json:"type"`
	SessionID string                `json:"sessionId"`
	Region    model.Region          `json:"region,omitempty"`
	Status    model.SessionStatus   `json:"status,omitempty"`
	Progress  model.SessionProgress `json:"progress"`
	At        time.Time             `json:"at"`
}

// Publisher receives lifecycle and progress notifications.
type Publisher interface {
	PublishLifecycle(ctx context.Context, ev model.LifecycleEvent)
	PublishProgress(ctx context.Context, p Progress)
}

// Nop discards every notification. Used when REDIS_URL is not set.
type Nop struct{}

func (Nop) PublishLifecycle(context.Context, model.LifecycleEvent) {}
func (Nop) PublishProgress(context.Context, Progress) {}

// RedisPublisher publishes JSON payloads with PUBLISH.
type RedisPublisher struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedisPublisher returns a publisher over rdb.
func NewRedisPublisher(rdb *redis.Client, logger *slog.Logger) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, logger: logger.With(slog.String("component", "events"))}
}

type lifecyclePayload struct {
	Type string `json:"type"`
	model.LifecycleEvent
}

// PublishLifecycle publishes ev on ChannelLifecycle.
func (p *RedisPublisher) PublishLifecycle(ctx context.Context, ev model.LifecycleEvent) {
	p.publish(ctx, ChannelLifecycle, lifecyclePayload{Type: ChannelLifecycle, LifecycleEvent: ev})
}

// PublishProgress publishes pr on ChannelProgress.
func (p *RedisPublisher) PublishProgress(ctx context.Context, pr Progress) {
	p.publish(ctx, ChannelProgress, pr)
}

func (p *RedisPublisher) publish(ctx context.Context, channel string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn("encode event failed", slog.String("channel", channel), slog.String("err", err.Error()))
		return
	}
	if err := p.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		p.logger.Warn("publish failed", slog.String("channel", channel), slog.String("err", err.Error()))
	}
}
