package payment

import (
	"context"
	"errors"
)

var (
	// ErrGateway 上游支付网关返回错误。
	ErrGateway = errors.New("gateway error")
	// ErrSignatureInvalid webhook 签名校验失败，必须拒绝且不改任何状态。
	ErrSignatureInvalid = errors.New("gateway signature invalid")
)

// IntentStatus 支付意图在网关侧的权威状态。
type IntentStatus string

const (
	IntentSucceeded             IntentStatus = "succeeded"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentCanceled              IntentStatus = "canceled"
)

// Intent 网关侧一次扣款尝试的句柄。
type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
}

// 消费的 webhook 事件类型（与网关命名保持一致）。
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventPaymentCanceled  = "payment_intent.canceled"
	EventChargeRefunded   = "charge.refunded"
)

// Event 经过签名校验后的网关事件。OrderID 来自创建意图时写入的 metadata。
type Event struct {
	ID       string
	Type     string
	IntentID string
	OrderID  uint
}

// Gateway 支付网关端口。实现负责网络调用与签名校验，
// 订单状态机永远不直接依赖具体 SDK。
type Gateway interface {
	// CreateIntent 创建支付意图。金额为最小货币单位（分）。
	CreateIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (Intent, error)
	// GetIntent 查询意图的权威状态。
	GetIntent(ctx context.Context, id string) (Intent, error)
	// ConstructEvent 校验签名并解析 webhook 载荷，签名不合法返回 ErrSignatureInvalid。
	ConstructEvent(payload []byte, sigHeader string) (Event, error)
}
