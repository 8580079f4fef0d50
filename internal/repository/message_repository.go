// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"kieran-ai-go/internal/model"

	"github.com/go-redis/redis/v8"
)

// 历史记录在 Redis 中的保留时长。
const messageTTL = 7 * 24 * time.Hour

// MessageRepository 定义了对话消息的操作接口。
// 消息以 JSON 形式存放在按身份键区分的 Redis 列表中，按到达顺序追加。
type MessageRepository interface {
	Append(ctx context.Context, identityKey string, message model.ChatMessage) error
	List(ctx context.Context, identityKey string) ([]model.ChatMessage, error)
	Clear(ctx context.Context, identityKey string) error
}

type redisMessageRepository struct {
	redisClient *redis.Client
}

// NewMessageRepository 创建一个新的 MessageRepository 实例。
func NewMessageRepository(redisClient *redis.Client) MessageRepository {
	return &redisMessageRepository{redisClient: redisClient}
}

func messageKey(identityKey string) string {
	return fmt.Sprintf("chat:messages:%s", identityKey)
}

// Append 将一条消息追加到该身份的历史末尾，并刷新过期时间。
func (r *redisMessageRepository) Append(ctx context.Context, identityKey string, message model.ChatMessage) error {
	jsonData, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal chat message: %w", err)
	}
	key := messageKey(identityKey)
	if err := r.redisClient.RPush(ctx, key, jsonData).Err(); err != nil {
		return fmt.Errorf("failed to append chat message: %w", err)
	}
	if err := r.redisClient.Expire(ctx, key, messageTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh message ttl: %w", err)
	}
	return nil
}

// List 按追加顺序返回该身份的全部消息。
func (r *redisMessageRepository) List(ctx context.Context, identityKey string) ([]model.ChatMessage, error) {
	entries, err := r.redisClient.LRange(ctx, messageKey(identityKey), 0, -1).Result()
	if err == redis.Nil {
		return []model.ChatMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}

	messages := make([]model.ChatMessage, 0, len(entries))
	for _, entry := range entries {
		var message model.ChatMessage
		if err := json.Unmarshal([]byte(entry), &message); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chat message: %w", err)
		}
		messages = append(messages, message)
	}
	return messages, nil
}

// Clear 删除该身份的全部历史。
func (r *redisMessageRepository) Clear(ctx context.Context, identityKey string) error {
	if err := r.redisClient.Del(ctx, messageKey(identityKey)).Err(); err != nil {
		return fmt.Errorf("failed to clear chat messages: %w", err)
	}
	return nil
}
