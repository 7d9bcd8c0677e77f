package notify

import "fmt"

// 通知类型
const (
	TypeOrderCreated   = "order_created"    // 下单成功，通知买家
	TypePaymentPaid    = "payment_paid"     // 支付成功，通知买家
	TypeSellerNewOrder = "seller_new_order" // 支付成功，按卖家分组通知
	TypeStatusUpdate   = "status_update"    // 履约状态变更，通知买家
)

// Line 通知里携带的商品行。给卖家的通知只包含该卖家自己的行和所得。
type Line struct {
	ProductName   string `json:"product_name"`
	Quantity      int    `json:"quantity"`
	SellerEarning string `json:"seller_earning,omitempty"`
}

// Message 是写入 Kafka 的通知事件。投递本身（邮件/短信）由消费端处理。
type Message struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	OrderNumber string `json:"order_number"`
	// Email 买家通知的收件地址；卖家通知走 SellerID 由消费端解析。
	Email    string `json:"email,omitempty"`
	SellerID uint   `json:"seller_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Total    string `json:"total,omitempty"`
	Lines    []Line `json:"lines,omitempty"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.Type == "" {
		return fmt.Errorf("type is required")
	}
	if m.OrderNumber == "" {
		return fmt.Errorf("order_number is required")
	}
	if m.Email == "" && m.SellerID == 0 {
		return fmt.Errorf("message needs a recipient")
	}
	return nil
}
