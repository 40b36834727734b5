package subscription

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	board "prism-board/board-api/domain"
)

// Router hands a decoded update to the rooms of this instance.
type Router interface {
	PublishUpdate(upd board.BoardUpdate) int
}

// SubscribeUpdates listens on the board updates channel and routes every committed result
// to the local rooms. The subscription is re-established when redis drops it.
func SubscribeUpdates(
	ctx context.Context,
	logger log.FieldLogger,
	rc *redis.Client,
	channel string,
	router Router,
	reconnectDelay time.Duration,
) {
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}
	for {
		sub := rc.Subscribe(ctx, channel)
		consume(ctx, logger, sub.Channel(), router)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func consume(ctx context.Context, logger log.FieldLogger, ch <-chan *redis.Message, router Router) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var upd board.BoardUpdate
			if err := sonic.UnmarshalString(msg.Payload, &upd); err != nil {
				logger.Errorf("unable to parse update: %v", err)
				continue
			}
			if upd.Type != board.EventReorder {
				logger.Debugf("ignoring update of type %q", upd.Type)
				continue
			}
			n := router.PublishUpdate(upd)
			logger.WithFields(log.Fields{"board": upd.BoardID, "item": upd.Result.ItemID, "version": upd.Result.Version, "sessions": n}).Debug("update routed")
		}
	}
}
