package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DefaultMaxLen is the approximate number of entries kept in the match stream.
const DefaultMaxLen = 100000

// RedisBus publishes match events to a Redis Stream
type RedisBus struct {
	client *redis.Client
	logger *zap.SugaredLogger
	maxLen int64
}

// StreamMessage represents a message in a Redis Stream
type StreamMessage struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// StreamHandler is a function that processes stream messages
type StreamHandler func(ctx context.Context, message StreamMessage) error

// NewRedisBus creates a new Redis bus instance
func NewRedisBus(redisURL string, logger *zap.SugaredLogger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &RedisBus{
		client: client,
		logger: logger.Named("redisbus"),
		maxLen: DefaultMaxLen,
	}, nil
}

// Close closes the Redis connection
func (rb *RedisBus) Close() error {
	return rb.client.Close()
}

// PublishMatch appends a match to the match stream, trimming it to roughly
// maxLen entries.
func (rb *RedisBus) PublishMatch(ctx context.Context, msg MatchMessage) error {
	result := rb.client.XAdd(ctx, &redis.XAddArgs{
		Stream: MatchStream,
		MaxLen: rb.maxLen,
		Approx: true,
		Values: msg.fields(),
	})

	if err := result.Err(); err != nil {
		return fmt.Errorf("failed to publish match: %w", err)
	}

	rb.logger.Debugf("published match %s (%s %s) as %s", msg.ID, msg.IOCType, msg.IOCValue, result.Val())
	return nil
}

// CreateConsumerGroup creates a consumer group for a stream if it doesn't exist
func (rb *RedisBus) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	result := rb.client.XGroupCreateMkStream(ctx, stream, group, "0")
	if err := result.Err(); err != nil {
		if !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group %s for stream %s: %w", group, stream, err)
		}
	}

	rb.logger.Debugf("consumer group %s ready for stream %s", group, stream)
	return nil
}

// ReadStream reads messages from a stream using consumer groups. Messages
// are acknowledged once handler returns nil.
func (rb *RedisBus) ReadStream(ctx context.Context, stream, group, consumer string, handler StreamHandler) error {
	if err := rb.CreateConsumerGroup(ctx, stream, group); err != nil {
		return err
	}

	rb.logger.Infof("starting stream reader for %s (group: %s, consumer: %s)", stream, group, consumer)

	for {
		select {
		case <-ctx.Done():
			rb.logger.Infof("stream reader for %s stopping", stream)
			return ctx.Err()
		default:
		}

		result := rb.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    1 * time.Second,
		})

		if err := result.Err(); err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rb.logger.Warnf("error reading from stream %s: %v", stream, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, xs := range result.Val() {
			for _, message := range xs.Messages {
				streamMsg := StreamMessage{
					ID:     message.ID,
					Fields: make(map[string]string, len(message.Values)),
				}
				for key, value := range message.Values {
					if strValue, ok := value.(string); ok {
						streamMsg.Fields[key] = strValue
					}
				}

				if err := handler(ctx, streamMsg); err != nil {
					rb.logger.Warnf("error processing message %s: %v", message.ID, err)
					continue
				}

				if err := rb.client.XAck(ctx, xs.Stream, group, message.ID).Err(); err != nil {
					rb.logger.Warnf("error acknowledging message %s: %v", message.ID, err)
				}
			}
		}
	}
}

// ReadMatchesStream reads from the match stream
func (rb *RedisBus) ReadMatchesStream(ctx context.Context, group, consumer string, handler func(ctx context.Context, msg MatchMessage) error) error {
	streamHandler := func(ctx context.Context, message StreamMessage) error {
		msg, err := matchFromFields(message.Fields)
		if err != nil {
			return err
		}
		return handler(ctx, msg)
	}

	return rb.ReadStream(ctx, MatchStream, group, consumer, streamHandler)
}

// HealthCheck performs a health check on the Redis connection
func (rb *RedisBus) HealthCheck(ctx context.Context) error {
	return rb.client.Ping(ctx).Err()
}

// GetStats reports the match stream's length and its consumer groups. A
// stream that has never been written to reports zero length.
func (rb *RedisBus) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{Type: "redis", Status: "connected"}

	info, err := rb.client.XInfoStream(ctx, MatchStream).Result()
	switch {
	case err == nil:
		stats.StreamLength = info.Length
		stats.FirstEntryID = info.FirstEntry.ID
		stats.LastEntryID = info.LastEntry.ID
	case isNoSuchKey(err):
		return stats, nil
	default:
		return Stats{}, fmt.Errorf("failed to get stream info for %s: %w", MatchStream, err)
	}

	groups, err := rb.client.XInfoGroups(ctx, MatchStream).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get consumer group info for %s: %w", MatchStream, err)
	}
	for _, g := range groups {
		stats.ConsumerGroups = append(stats.ConsumerGroups, GroupStats{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			LastDeliveredID: g.LastDeliveredID,
		})
	}
	return stats, nil
}

func isNoSuchKey(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no such key")
}
