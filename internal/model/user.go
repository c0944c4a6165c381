// Package model 包含了应用的数据模型定义。
package model

import (
	"strings"
	"time"
)

// User 对应于数据库中的 'users' 表。
type User struct {
	ID uint `gorm:"primaryKey" json:"id"`
	// Name 是用户的显示名称。
	Name string `gorm:"type:varchar(100);not null" json:"name"`
	// Email 是登录凭证，全局唯一。
	Email string `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	// Password 存储 bcrypt 哈希后的密码。
	Password string `gorm:"type:varchar(255);not null" json:"-"`
	// Location 是用户所在地，天气与行情查询都基于它。
	Location string `gorm:"type:varchar(255)" json:"location"`
	// PreferredLanguage 是用户的首选语言代码（如 "hi"）；管道内部始终使用英文。
	PreferredLanguage string `gorm:"type:varchar(16);default:en" json:"preferredLanguage"`
	// Crops 以逗号分隔存储用户种植的作物列表。
	Crops string `gorm:"type:text" json:"crops"`
	// Role 区分普通用户与管理员（"USER" / "ADMIN"）。
	Role      string    `gorm:"type:varchar(16);default:USER" json:"role"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (User) TableName() string {
	return "users"
}

// CropList 将逗号分隔的作物字段解析为去空白的切片。
func (u *User) CropList() []string {
	if u.Crops == "" {
		return nil
	}
	var crops []string
	for _, item := range strings.Split(u.Crops, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			crops = append(crops, trimmed)
		}
	}
	return crops
}
