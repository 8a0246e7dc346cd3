package reload

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	xerrors "OpenPlugin-Server/internal/errors"
	"OpenPlugin-Server/pkg/logger"
)

// PubSubWatcher 订阅 Redis 频道，每条消息触发一次 reload。
type PubSubWatcher struct {
	client  redis.UniversalClient
	channel string
	trigger *trigger
}

// NewPubSubWatcher 创建订阅者。channel 为空时使用 DefaultChannel。
func NewPubSubWatcher(client redis.UniversalClient, channel string, target Reloader) *PubSubWatcher {
	if channel == "" {
		channel = DefaultChannel
	}
	log := logger.Named("reload").With(slog.String("channel", channel))
	return &PubSubWatcher{
		client:  client,
		channel: channel,
		trigger: &trigger{target: target, log: log},
	}
}

// Run 订阅频道直到 ctx 取消。订阅建立失败时返回错误。
func (w *PubSubWatcher) Run(ctx context.Context) error {
	sub := w.client.Subscribe(ctx, w.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 reload 频道失败")
	}
	w.trigger.log.Info("开始监听 reload 通知")

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			go w.trigger.fire(ctx, "pubsub:"+msg.Payload)
		}
	}
}

// Notify 向频道发布一条 reload 通知，返回收到通知的订阅者数量。
func Notify(ctx context.Context, client redis.UniversalClient, channel string) (int64, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	n, err := client.Publish(ctx, channel, "reload").Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布 reload 通知失败")
	}
	return n, nil
}
