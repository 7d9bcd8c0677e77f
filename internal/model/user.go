package model

import (
	"time"

	"gorm.io/gorm"
)

// 用户角色：买家 / 卖家 / 平台管理员
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
	RoleAdmin  = "admin"
)

// User 平台账号。密码散列由外部认证模块负责，这里只存结果。
type User struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Email        string `gorm:"size:255;uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"size:255;not null" json:"-"`
	FullName     string `gorm:"size:128" json:"full_name"`
	Role         string `gorm:"size:16;not null;default:buyer;index" json:"role"`
	IsActive     bool   `gorm:"not null;default:true" json:"is_active"`
}

func (User) TableName() string { return "users" }
