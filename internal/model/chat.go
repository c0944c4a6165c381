// Package model 包含了应用的数据模型定义。
package model

import "time"

// Chat 代表一个用户的会话容器。
type Chat struct {
	ID     uint `gorm:"primaryKey" json:"-"`
	UserID uint `gorm:"index;not null" json:"-"`
	// ChatID 是对外暴露的会话标识。
	ChatID string `gorm:"type:varchar(64);uniqueIndex;not null" json:"chatId"`
	// Title 是会话标题，首条消息后自动推断，最长 80 字符。
	Title     string    `gorm:"type:varchar(80);not null" json:"title"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Chat) TableName() string {
	return "chats"
}

// ChatTurnMessage 代表会话中的一条消息（用户或助手各一条组成一轮）。
type ChatTurnMessage struct {
	ID     uint   `gorm:"primaryKey" json:"-"`
	ChatID string `gorm:"type:varchar(64);index;not null" json:"-"`
	// Sender 为 "user" 或 "bot"。
	Sender    string    `gorm:"type:varchar(16);not null" json:"sender"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
}

func (ChatTurnMessage) TableName() string {
	return "chat_messages"
}

// ChatMessage 代表缓存在 Redis 中的单条对话消息。
type ChatMessage struct {
	Sender    string    `json:"sender"` // "user" 或 "bot"
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
