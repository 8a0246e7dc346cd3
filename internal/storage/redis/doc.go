// Package redis 提供基于 Redis 的插件存储后端与共享的客户端构造逻辑。
// 每个插件配置的数据保存在独立的 hash 中，键名形如 plugins:storage:<配置ID>。
package redis
