package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"shopnest/internal/model"
	rediskey "shopnest/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var (
	// ErrNotFound 设置项不存在。
	ErrNotFound = errors.New("setting not found")
	// ErrNotEditable 设置项被锁定，不接受修改。
	ErrNotEditable = errors.New("setting not editable")
	// ErrInvalidValue 新值类型或范围不合法。
	ErrInvalidValue = errors.New("invalid setting value")
)

// Actor 执行变更的管理员及其请求来源，写入审计流水。
type Actor struct {
	UserID    uint
	IPAddress string
	UserAgent string
}

// Service 平台设置存储：JSON 值 + 类型化读取 + 范围校验 + 审计流水。
// 读路径走 Redis 读穿缓存，写路径失效缓存；Redis 不可用时直接读库。
type Service struct {
	db       *gorm.DB
	rdb      *rd.Client
	cacheTTL time.Duration
}

func NewService(db *gorm.DB, rdb *rd.Client, cacheTTL time.Duration) *Service {
	return &Service{db: db, rdb: rdb, cacheTTL: cacheTTL}
}

// List 返回全部设置。includeSensitive=false 时敏感值打码（API key 之类）。
func (s *Service) List(ctx context.Context, includeSensitive bool) ([]model.PlatformSetting, error) {
	var out []model.PlatformSetting
	if err := s.db.WithContext(ctx).Order("type, key").Find(&out).Error; err != nil {
		return nil, err
	}
	if !includeSensitive {
		for i := range out {
			if out[i].IsSensitive {
				out[i].Value = `"********"`
			}
		}
	}
	return out, nil
}

// Get 读单个设置，优先命中缓存。
func (s *Service) Get(ctx context.Context, key string) (model.PlatformSetting, error) {
	if s.rdb != nil {
		raw, err := s.rdb.Get(ctx, rediskey.SettingCacheKey(key)).Bytes()
		if err == nil {
			var cached model.PlatformSetting
			if json.Unmarshal(raw, &cached) == nil {
				return cached, nil
			}
		}
	}

	var setting model.PlatformSetting
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&setting).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.PlatformSetting{}, ErrNotFound
		}
		return model.PlatformSetting{}, err
	}

	if s.rdb != nil {
		if b, err := json.Marshal(setting); err == nil {
			if err := s.rdb.Set(ctx, rediskey.SettingCacheKey(key), b, s.cacheTTL).Err(); err != nil {
				log.Printf("settings cache set %s: %v", key, err)
			}
		}
	}
	return setting, nil
}

// Update 修改设置值。校验 → 更新 → 追加审计行，三步在一个事务里；
// 审计流水只追加，永不修改。
func (s *Service) Update(ctx context.Context, key string, newValue json.RawMessage, actor Actor, reason string) (model.PlatformSetting, error) {
	var updated model.PlatformSetting
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var setting model.PlatformSetting
		if err := tx.Where("key = ?", key).First(&setting).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !setting.IsEditable {
			return fmt.Errorf("%w: %s", ErrNotEditable, key)
		}
		if err := validateValue(setting, newValue); err != nil {
			return err
		}

		oldValue := setting.Value
		setting.Value = string(newValue)
		setting.UpdatedBy = actor.UserID
		if err := tx.Model(&model.PlatformSetting{}).Where("id = ?", setting.ID).
			Updates(map[string]any{"value": setting.Value, "updated_by": actor.UserID}).Error; err != nil {
			return err
		}

		audit := model.SettingsAuditLog{
			SettingID: setting.ID,
			Key:       setting.Key,
			OldValue:  oldValue,
			NewValue:  setting.Value,
			Reason:    reason,
			ChangedBy: actor.UserID,
			IPAddress: actor.IPAddress,
			UserAgent: actor.UserAgent,
		}
		if err := tx.Create(&audit).Error; err != nil {
			return err
		}
		updated = setting
		return nil
	})
	if err != nil {
		return model.PlatformSetting{}, err
	}
	s.invalidate(ctx, key)
	return updated, nil
}

// Reset 恢复默认值，同样走审计。
func (s *Service) Reset(ctx context.Context, key string, actor Actor, reason string) (model.PlatformSetting, error) {
	setting, err := s.Get(ctx, key)
	if err != nil {
		return model.PlatformSetting{}, err
	}
	if reason == "" {
		reason = "reset to default"
	}
	return s.Update(ctx, key, json.RawMessage(setting.DefaultValue), actor, reason)
}

// AuditLog 按时间倒序返回变更流水；key 为空则返回全部。
func (s *Service) AuditLog(ctx context.Context, key string, limit int) ([]model.SettingsAuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if key != "" {
		q = q.Where("key = ?", key)
	}
	var logs []model.SettingsAuditLog
	err := q.Find(&logs).Error
	return logs, err
}

// Float 类型化读取数值设置（佣金率、费率上限等）。
func (s *Service) Float(ctx context.Context, key string) (float64, error) {
	setting, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	var v float64
	if err := json.Unmarshal([]byte(setting.Value), &v); err != nil {
		return 0, fmt.Errorf("%w: %s is not a number", ErrInvalidValue, key)
	}
	return v, nil
}

// Bool 类型化读取开关设置。
func (s *Service) Bool(ctx context.Context, key string) (bool, error) {
	setting, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	var v bool
	if err := json.Unmarshal([]byte(setting.Value), &v); err != nil {
		return false, fmt.Errorf("%w: %s is not a boolean", ErrInvalidValue, key)
	}
	return v, nil
}

// String 类型化读取字符串设置。
func (s *Service) String(ctx context.Context, key string) (string, error) {
	setting, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	var v string
	if err := json.Unmarshal([]byte(setting.Value), &v); err != nil {
		return "", fmt.Errorf("%w: %s is not a string", ErrInvalidValue, key)
	}
	return v, nil
}

// validateValue 校验新值：必须是合法 JSON；数值设置落在 [min, max]；
// 枚举设置必须命中 allowed_values。
func validateValue(setting model.PlatformSetting, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: not valid JSON", ErrInvalidValue)
	}

	if num, ok := v.(float64); ok {
		if setting.MinValue != "" {
			var min float64
			if json.Unmarshal([]byte(setting.MinValue), &min) == nil && num < min {
				return fmt.Errorf("%w: %v below minimum %v", ErrInvalidValue, num, min)
			}
		}
		if setting.MaxValue != "" {
			var max float64
			if json.Unmarshal([]byte(setting.MaxValue), &max) == nil && num > max {
				return fmt.Errorf("%w: %v above maximum %v", ErrInvalidValue, num, max)
			}
		}
	}

	if setting.AllowedValues != "" {
		var allowed []any
		if err := json.Unmarshal([]byte(setting.AllowedValues), &allowed); err == nil && len(allowed) > 0 {
			for _, a := range allowed {
				ab, _ := json.Marshal(a)
				vb, _ := json.Marshal(v)
				if string(ab) == string(vb) {
					return nil
				}
			}
			return fmt.Errorf("%w: value not in allowed set", ErrInvalidValue)
		}
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, key string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, rediskey.SettingCacheKey(key)).Err(); err != nil {
		log.Printf("settings cache invalidate %s: %v", key, err)
	}
}
