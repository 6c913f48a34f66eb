package bus

import (
	"context"

	"go.uber.org/zap"
)

// NullBus is a no-op implementation of the bus interface for when Redis is disabled
type NullBus struct {
	logger *zap.SugaredLogger
}

// NewNullBus creates a new null bus instance
func NewNullBus(logger *zap.SugaredLogger) *NullBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &NullBus{logger: logger.Named("nullbus")}
}

// Close is a no-op for null bus
func (nb *NullBus) Close() error {
	return nil
}

// PublishMatch logs the match but doesn't actually publish it
func (nb *NullBus) PublishMatch(ctx context.Context, msg MatchMessage) error {
	nb.logger.Debugf("would publish match %s %s=%s (Redis disabled)", msg.ID, msg.IOCType, msg.IOCValue)
	return nil
}

// ReadMatchesStream blocks until ctx is cancelled
func (nb *NullBus) ReadMatchesStream(ctx context.Context, group, consumer string, handler func(ctx context.Context, msg MatchMessage) error) error {
	nb.logger.Infof("would read match stream %s:%s (Redis disabled)", group, consumer)
	<-ctx.Done()
	return ctx.Err()
}

// GetStats reports a disabled bus
func (nb *NullBus) GetStats(ctx context.Context) (Stats, error) {
	return Stats{Type: "null", Status: "disabled"}, nil
}

// HealthCheck always returns nil for null bus
func (nb *NullBus) HealthCheck(ctx context.Context) error {
	return nil
}
