package repository

import (
	"gorm.io/gorm"

	"krishi-mitra-go/internal/model"
)

// ChatRepository 接口定义了会话及其消息的持久化操作。
type ChatRepository interface {
	Create(chat *model.Chat) error
	FindByChatID(userID uint, chatID string) (*model.Chat, error)
	FindByUser(userID uint) ([]model.Chat, error)
	AppendMessages(chatID string, messages []model.ChatTurnMessage) error
	FindMessages(chatID string) ([]model.ChatTurnMessage, error)
	CountMessages(chatID string) (int64, error)
	UpdateTitle(userID uint, chatID, title string) error
	Delete(userID uint, chatID string) error
}

// chatRepository 是 ChatRepository 接口的 GORM 实现。
type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository 创建一个新的 ChatRepository 实例。
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

// Create 在数据库中创建一个新的会话记录。
func (r *chatRepository) Create(chat *model.Chat) error {
	return r.db.Create(chat).Error
}

// FindByChatID 查找某用户名下的指定会话；不存在时返回 gorm.ErrRecordNotFound。
func (r *chatRepository) FindByChatID(userID uint, chatID string) (*model.Chat, error) {
	var chat model.Chat
	err := r.db.Where("user_id = ? AND chat_id = ?", userID, chatID).First(&chat).Error
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// FindByUser 返回某用户的全部会话，按最近更新时间倒序。
func (r *chatRepository) FindByUser(userID uint) ([]model.Chat, error) {
	var chats []model.Chat
	err := r.db.Where("user_id = ?", userID).Order("updated_at DESC").Find(&chats).Error
	return chats, err
}

// AppendMessages 向会话追加一批消息，同时刷新会话的更新时间。
func (r *chatRepository) AppendMessages(chatID string, messages []model.ChatTurnMessage) error {
	if len(messages) == 0 {
		return nil
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&messages).Error; err != nil {
			return err
		}
		return tx.Model(&model.Chat{}).
			Where("chat_id = ?", chatID).
			Update("updated_at", messages[len(messages)-1].Timestamp).Error
	})
}

// FindMessages 返回会话内的全部消息，按时间顺序。
func (r *chatRepository) FindMessages(chatID string) ([]model.ChatTurnMessage, error) {
	var messages []model.ChatTurnMessage
	err := r.db.Where("chat_id = ?", chatID).Order("timestamp ASC, id ASC").Find(&messages).Error
	return messages, err
}

// CountMessages 返回会话内的消息条数。
func (r *chatRepository) CountMessages(chatID string) (int64, error) {
	var count int64
	err := r.db.Model(&model.ChatTurnMessage{}).Where("chat_id = ?", chatID).Count(&count).Error
	return count, err
}

// UpdateTitle 更新某用户名下指定会话的标题。
func (r *chatRepository) UpdateTitle(userID uint, chatID, title string) error {
	return r.db.Model(&model.Chat{}).
		Where("user_id = ? AND chat_id = ?", userID, chatID).
		Update("title", title).Error
}

// Delete 删除某用户名下的指定会话及其全部消息。
func (r *chatRepository) Delete(userID uint, chatID string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("user_id = ? AND chat_id = ?", userID, chatID).Delete(&model.Chat{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("chat_id = ?", chatID).Delete(&model.ChatTurnMessage{}).Error
	})
}
