package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/supportbot/frontdesk-go/internal/model"
	"go.uber.org/zap"
)

// RedisReplayStore 把重放缓存镜像到 Redis，每个频道一个 hash
type RedisReplayStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisReplayStore 创建 Redis 镜像
func NewRedisReplayStore(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisReplayStore {
	if keyPrefix == "" {
		keyPrefix = "frontdesk:replay"
	}
	return &RedisReplayStore{client: client, keyPrefix: keyPrefix, logger: logger}
}

func (s *RedisReplayStore) channelKey(channel string) string {
	return s.keyPrefix + ":" + channel
}

// Save 写入或覆盖一条缓存
func (s *RedisReplayStore) Save(ctx context.Context, channel, requestID string, entry model.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化缓存条目失败: %w", err)
	}
	if err := s.client.HSet(ctx, s.channelKey(channel), requestID, data).Err(); err != nil {
		return fmt.Errorf("写入 Redis 失败: %w", err)
	}
	return nil
}

// Delete 删除一条缓存
func (s *RedisReplayStore) Delete(ctx context.Context, channel, requestID string) error {
	if err := s.client.HDel(ctx, s.channelKey(channel), requestID).Err(); err != nil {
		return fmt.Errorf("删除 Redis 缓存失败: %w", err)
	}
	return nil
}

// LoadAll 读取所有频道的缓存
func (s *RedisReplayStore) LoadAll(ctx context.Context) (map[string]map[string]model.CacheEntry, error) {
	out := make(map[string]map[string]model.CacheEntry)
	prefix := s.keyPrefix + ":"

	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("读取 Redis 缓存失败: %w", err)
		}

		channel := strings.TrimPrefix(key, prefix)
		entries := make(map[string]model.CacheEntry, len(fields))
		for id, raw := range fields {
			var entry model.CacheEntry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				s.logger.Warn("跳过无法解析的缓存条目",
					zap.String("channel", channel),
					zap.String("requestId", id),
					zap.Error(err))
				continue
			}
			entries[id] = entry
		}
		if len(entries) > 0 {
			out[channel] = entries
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("扫描 Redis 键失败: %w", err)
	}
	return out, nil
}
