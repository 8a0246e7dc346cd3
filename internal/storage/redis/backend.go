package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"OpenPlugin-Server/internal/storage"
)

// DefaultKeyPrefix 是插件存储 hash 的默认前缀。
const DefaultKeyPrefix = "plugins:storage:"

// Backend 使用 Redis hash 实现 storage.Backend。
type Backend struct {
	client goredis.UniversalClient
	prefix string
}

var _ storage.Backend = (*Backend)(nil)

// NewBackend 基于已有客户端创建存储后端，prefix 为空时使用默认前缀。
func NewBackend(client goredis.UniversalClient, prefix string) *Backend {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Backend{client: client, prefix: prefix}
}

func (b *Backend) hashKey(namespace int64) string {
	return b.prefix + strconv.FormatInt(namespace, 10)
}

// Get 实现 storage.Backend。
func (b *Backend) Get(ctx context.Context, namespace int64, key string) ([]byte, bool, error) {
	value, err := b.client.HGet(ctx, b.hashKey(namespace), key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Redis 读取插件存储失败: %w", err)
	}
	return value, true, nil
}

// Set 实现 storage.Backend。
func (b *Backend) Set(ctx context.Context, namespace int64, key string, value []byte) error {
	if err := b.client.HSet(ctx, b.hashKey(namespace), key, value).Err(); err != nil {
		return fmt.Errorf("Redis 写入插件存储失败: %w", err)
	}
	return nil
}
