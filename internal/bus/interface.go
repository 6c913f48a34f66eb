package bus

import (
	"context"

	"go.uber.org/zap"
)

// Bus defines the interface for match event bus implementations
type Bus interface {
	// PublishMatch publishes a match to the match stream
	PublishMatch(ctx context.Context, msg MatchMessage) error

	// ReadMatchesStream consumes the match stream as part of a consumer group
	ReadMatchesStream(ctx context.Context, group, consumer string, handler func(ctx context.Context, msg MatchMessage) error) error

	// GetStats reports the match stream's length and consumer groups
	GetStats(ctx context.Context) (Stats, error)

	// HealthCheck performs a health check on the bus connection
	HealthCheck(ctx context.Context) error

	// Close closes the bus connection
	Close() error
}

// Stats describes the match stream as seen by the bus.
type Stats struct {
	Type           string       `json:"type"`
	Status         string       `json:"status"`
	StreamLength   int64        `json:"stream_length"`
	FirstEntryID   string       `json:"first_entry_id,omitempty"`
	LastEntryID    string       `json:"last_entry_id,omitempty"`
	ConsumerGroups []GroupStats `json:"consumer_groups,omitempty"`
}

// GroupStats is one consumer group on the match stream.
type GroupStats struct {
	Name            string `json:"name"`
	Consumers       int64  `json:"consumers"`
	Pending         int64  `json:"pending"`
	LastDeliveredID string `json:"last_delivered_id"`
}

// NewBus creates a new bus instance based on the Redis URL
// If redisURL is empty or unreachable, returns a NullBus
func NewBus(redisURL string, logger *zap.SugaredLogger) Bus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	if redisURL == "" {
		return NewNullBus(logger)
	}

	redisBus, err := NewRedisBus(redisURL, logger)
	if err == nil {
		return redisBus
	}

	logger.Warnf("redis unavailable, match events will not be published: %v", err)
	return NewNullBus(logger)
}
