// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"krishi-mitra-go/internal/model"
)

// ConversationRepository 定义了会话历史在 Redis 中的缓存操作。
// 缓存仅用于加速历史展示，MySQL 中的消息表才是事实来源。
type ConversationRepository interface {
	GetCachedHistory(ctx context.Context, chatID string) ([]model.ChatMessage, error)
	CacheHistory(ctx context.Context, chatID string, messages []model.ChatMessage) error
	InvalidateHistory(ctx context.Context, chatID string) error
}

type redisConversationRepository struct {
	redisClient *redis.Client
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(redisClient *redis.Client) ConversationRepository {
	return &redisConversationRepository{redisClient: redisClient}
}

func historyKey(chatID string) string {
	return fmt.Sprintf("chat:%s:history", chatID)
}

// GetCachedHistory 从 Redis 获取会话历史缓存；未命中时返回 nil（非错误）。
func (r *redisConversationRepository) GetCachedHistory(ctx context.Context, chatID string) ([]model.ChatMessage, error) {
	jsonData, err := r.redisClient.Get(ctx, historyKey(chatID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation history: %w", err)
	}
	var messages []model.ChatMessage
	if err := json.Unmarshal([]byte(jsonData), &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation history: %w", err)
	}
	return messages, nil
}

// CacheHistory 在 Redis 中缓存会话历史记录。
func (r *redisConversationRepository) CacheHistory(ctx context.Context, chatID string, messages []model.ChatMessage) error {
	// 保留最近 20 条
	if len(messages) > 20 {
		messages = messages[len(messages)-20:]
	}
	jsonData, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation history: %w", err)
	}
	if err := r.redisClient.Set(ctx, historyKey(chatID), jsonData, 7*24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to set conversation history: %w", err)
	}
	return nil
}

// InvalidateHistory 删除会话历史缓存（写入新消息后调用）。
func (r *redisConversationRepository) InvalidateHistory(ctx context.Context, chatID string) error {
	return r.redisClient.Del(ctx, historyKey(chatID)).Err()
}
