package order

import "errors"

// 错误分类：创建/取消/状态迁移里的任何错误都会让整个事务回滚，
// 不会留下半截库存扣减或孤儿订单。
var (
	// ErrProductUnavailable 商品不存在或已下架。
	ErrProductUnavailable = errors.New("product unavailable")
	// ErrInsufficientStock 请求数量超过当前库存。
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrPriceMismatch 客户端金额与服务端重算结果超出容差（购物车过期）。
	ErrPriceMismatch = errors.New("price mismatch")
	// ErrSellerNotFound 商品没有对应卖家记录，属于数据完整性故障而非用户错误。
	ErrSellerNotFound = errors.New("seller not found")
	// ErrInvalidTransition 当前状态下不允许该状态变更。
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrForbidden 调用者不拥有该资源。
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound 订单/订单项不存在。
	ErrNotFound = errors.New("not found")
)
