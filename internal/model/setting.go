package model

import (
	"time"

	"gorm.io/gorm"
)

// 平台设置分类
const (
	SettingCommission   = "commission"
	SettingGeneral      = "general"
	SettingPayment      = "payment"
	SettingNotification = "notification"
)

// PlatformSetting 管理员可改的平台配置项。
// 值按 JSON 存储，类型化读取与范围校验在 settings 服务层完成。
type PlatformSetting struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Key         string `gorm:"size:128;uniqueIndex;not null" json:"key"`
	Name        string `gorm:"size:255;not null" json:"name"`
	Description string `gorm:"type:text" json:"description"`
	Type        string `gorm:"size:32;not null;default:general;index" json:"type"`

	// Value/DefaultValue 为 JSON 字面量（"10"、"true"、"\"usd\"" 等）。
	Value        string `gorm:"type:text;not null" json:"value"`
	DefaultValue string `gorm:"type:text;not null" json:"default_value"`

	// 数值型设置的范围约束；AllowedValues 为 JSON 数组，空串表示不限。
	MinValue      string `gorm:"size:64" json:"min_value,omitempty"`
	MaxValue      string `gorm:"size:64" json:"max_value,omitempty"`
	AllowedValues string `gorm:"type:text" json:"allowed_values,omitempty"`

	IsSensitive bool `gorm:"not null;default:false" json:"is_sensitive"`
	IsEditable  bool `gorm:"not null;default:true" json:"is_editable"`

	UpdatedBy uint `json:"updated_by,omitempty"`
}

func (PlatformSetting) TableName() string { return "platform_settings" }

// SettingsAuditLog 设置变更流水，只追加不修改。
// Key 冗余存一份，设置被删后历史仍可追溯。
type SettingsAuditLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	SettingID uint   `gorm:"not null;index" json:"setting_id"`
	Key       string `gorm:"size:128;not null;index" json:"key"`

	OldValue string `gorm:"type:text" json:"old_value"`
	NewValue string `gorm:"type:text;not null" json:"new_value"`
	Reason   string `gorm:"type:text" json:"reason,omitempty"`

	ChangedBy uint   `gorm:"not null;index" json:"changed_by"`
	IPAddress string `gorm:"size:64" json:"ip_address,omitempty"`
	UserAgent string `gorm:"size:255" json:"user_agent,omitempty"`
}

func (SettingsAuditLog) TableName() string { return "settings_audit_log" }
