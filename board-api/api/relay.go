package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Drainer is the fallback queue as seen by the relay.
type Drainer interface {
	Drain(ctx context.Context, deliver func(context.Context, []byte) error) (int, error)
}

// RunRelay moves queued board updates back onto the Redis channel until ctx is done.
func RunRelay(ctx context.Context, queue Drainer, client *redis.Client, channel string, interval time.Duration, logger *log.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deliver := func(ctx context.Context, payload []byte) error {
		return PublishPayload(ctx, client, channel, payload)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := queue.Drain(ctx, deliver)
		if err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("fallback relay drain failed")
		}
		if n > 0 {
			logger.WithField("delivered", n).Info("relayed queued board updates")
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
