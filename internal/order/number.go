package order

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// NewOrderNumber 生成人类可读订单号，形如 SN-3F07A2C41B。
// 取自 CSPRNG 而不是自增序列，避免泄露平台单量；
// 10 个十六进制字符约 1e12 空间，撞号概率可以忽略，
// 真撞上时由订单号唯一索引兜底，调用方重试即可。
func NewOrderNumber() string {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand 不可用说明运行环境已不可信，直接崩溃好过发弱随机单号。
		panic(err)
	}
	return "SN-" + strings.ToUpper(hex.EncodeToString(b))
}

// errorsLikeUnique 判断是否为唯一索引冲突。
// sqlite 报 "UNIQUE constraint failed"，postgres 报 "duplicate key"。
func errorsLikeUnique(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "unique") || strings.Contains(s, "duplicate key")
}
