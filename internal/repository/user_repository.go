// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"krishi-mitra-go/internal/model"
)

// UserRepository 接口定义了用户数据的持久化操作。
type UserRepository interface {
	Create(user *model.User) error
	FindByEmail(email string) (*model.User, error)
	FindByID(userID uint) (*model.User, error)
	Update(user *model.User) error
	UpdateLocation(ctx context.Context, userID uint, location string) error
	UpdateCrops(ctx context.Context, userID uint, crops []string) error
	UpdateLanguage(ctx context.Context, userID uint, language string) error
}

// userRepository 是 UserRepository 接口的 GORM 实现。
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository 创建一个新的 UserRepository 实例。
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// Create 在数据库中创建一个新的用户记录。
func (r *userRepository) Create(user *model.User) error {
	return r.db.Create(user).Error
}

// FindByEmail 根据邮箱从数据库中查找一个用户。
func (r *userRepository) FindByEmail(email string) (*model.User, error) {
	var user model.User
	err := r.db.Where("email = ?", email).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByID 根据用户 ID 从数据库中查找一个用户。
func (r *userRepository) FindByID(userID uint) (*model.User, error) {
	var user model.User
	err := r.db.First(&user, userID).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Update 更新数据库中一个已存在的用户记录。
func (r *userRepository) Update(user *model.User) error {
	return r.db.Save(user).Error
}

// UpdateLocation 更新用户的位置信息字段。
func (r *userRepository) UpdateLocation(ctx context.Context, userID uint, location string) error {
	return r.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Update("location", location).Error
}

// UpdateCrops 更新用户的作物列表（以逗号分隔存储）。
func (r *userRepository) UpdateCrops(ctx context.Context, userID uint, crops []string) error {
	return r.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Update("crops", strings.Join(crops, ",")).Error
}

// UpdateLanguage 更新用户的首选语言。
func (r *userRepository) UpdateLanguage(ctx context.Context, userID uint, language string) error {
	return r.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Update("preferred_language", language).Error
}
