package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderStatus 订单/订单项履约状态。
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderConfirmed  OrderStatus = "confirmed"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
	OrderRefunded   OrderStatus = "refunded"
)

// PaymentStatus 支付状态，与履约状态相互独立。
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// itemTransitions 订单项履约状态机。
// 发货必须带运单号（在服务层校验），已送达/已取消/已退款为终态。
var itemTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderConfirmed, OrderCancelled},
	OrderConfirmed:  {OrderProcessing, OrderCancelled},
	OrderProcessing: {OrderShipped},
	OrderShipped:    {OrderDelivered},
}

// CanTransitionItem 判断订单项能否从 from 迁移到 to。
func CanTransitionItem(from, to OrderStatus) bool {
	for _, next := range itemTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Address 收货/账单地址快照，随订单落库后不再变化。
type Address struct {
	FullName     string `json:"full_name"`
	Phone        string `json:"phone"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2,omitempty"`
	City         string `json:"city"`
	State        string `json:"state"`
	PostalCode   string `json:"postal_code"`
	Country      string `json:"country"`
}

// Order 一次买家交易，可能横跨多个卖家。
// 订单从不硬删除：取消与退款是终态状态值，不是删除。
type Order struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// OrderNumber 人类可读订单号，创建时生成，之后不可变。
	OrderNumber string `gorm:"size:32;uniqueIndex;not null" json:"order_number"`
	BuyerID     uint   `gorm:"not null;index" json:"buyer_id"`

	Status        OrderStatus   `gorm:"size:16;not null;default:pending;index" json:"status"`
	PaymentStatus PaymentStatus `gorm:"size:16;not null;default:pending;index" json:"payment_status"`

	Subtotal     decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"subtotal"`
	PlatformFee  decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"platform_fee"`
	ShippingCost decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"shipping_cost"`
	Tax          decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"tax"`
	Total        decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total"`

	PaymentMethod   string `gorm:"size:32" json:"payment_method"`
	PaymentIntentID string `gorm:"size:64;index" json:"payment_intent_id,omitempty"`

	ShippingAddress Address `gorm:"serializer:json" json:"shipping_address"`
	BillingAddress  Address `gorm:"serializer:json" json:"billing_address"`

	TrackingNumber string `gorm:"size:64" json:"tracking_number,omitempty"`

	Notes           string     `gorm:"type:text" json:"notes,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	CancelledReason string     `gorm:"type:text" json:"cancelled_reason,omitempty"`

	Items []OrderItem `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"items"`
}

func (Order) TableName() string { return "orders" }

// UniformItemStatus 当全部订单项状态一致时返回该状态，否则 ok=false。
// 订单级状态只是订单项进度的反范式化，部分取消不会取消整单。
func (o *Order) UniformItemStatus() (OrderStatus, bool) {
	if len(o.Items) == 0 {
		return "", false
	}
	first := o.Items[0].Status
	for _, it := range o.Items[1:] {
		if it.Status != first {
			return "", false
		}
	}
	return first, true
}

// OrderItem 订单中的一条商品行，归属其 Order（级联删除）。
// ProductName/Price 是购买时刻的快照，与在售商品解耦。
type OrderItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID   uint `gorm:"not null;index" json:"order_id"`
	ProductID uint `gorm:"not null;index" json:"product_id"`
	SellerID  uint `gorm:"not null;index" json:"seller_id"`

	ProductName string          `gorm:"size:255;not null" json:"product_name"`
	Quantity    int             `gorm:"not null" json:"quantity"`
	Price       decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`

	// 不变量：Subtotal == Price*Quantity；PlatformFee+SellerEarning == Subtotal。
	Subtotal      decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"subtotal"`
	PlatformFee   decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"platform_fee"`
	SellerEarning decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"seller_earning"`

	Status OrderStatus `gorm:"size:16;not null;default:pending;index" json:"status"`
}

func (OrderItem) TableName() string { return "order_items" }
