package redis

import "fmt"

// GatewayEventLockKey 标记某个支付网关事件是否已处理（webhook 至少一次投递去重）。
func GatewayEventLockKey(eventID string) string {
	return fmt.Sprintf("shopnest:payment:event:%s", eventID)
}

// SettingCacheKey 平台设置读穿缓存键。
func SettingCacheKey(settingKey string) string {
	return fmt.Sprintf("shopnest:settings:%s", settingKey)
}

// RateLimitUserKey / RateLimitIPKey 下单接口限流键。
func RateLimitUserKey(userID uint) string {
	return fmt.Sprintf("shopnest:rate_limit:orders:user:%d", userID)
}

func RateLimitIPKey(ip string) string {
	return fmt.Sprintf("shopnest:rate_limit:orders:ip:%s", ip)
}
