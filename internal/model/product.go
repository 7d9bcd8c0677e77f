package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// 卖家审批状态
const (
	SellerPending   = "pending"
	SellerApproved  = "approved"
	SellerRejected  = "rejected"
	SellerSuspended = "suspended"
)

// SellerProfile 卖家档案。下单链路只读 CommissionRate，其余字段由卖家模块维护。
type SellerProfile struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UserID         uint   `gorm:"uniqueIndex;not null" json:"user_id"`
	BusinessName   string `gorm:"size:255;not null" json:"business_name"`
	ApprovalStatus string `gorm:"size:16;not null;default:pending;index" json:"approval_status"`
	// CommissionRate 平台抽成比例（百分比，0~100），分账计算的唯一输入。
	CommissionRate decimal.Decimal `gorm:"type:decimal(5,2);not null;default:10.00" json:"commission_rate"`
	TotalSales     decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"total_sales"`
}

func (SellerProfile) TableName() string { return "seller_profiles" }

// Product 商品。Quantity 是唯一需要并发纪律的共享计数器：
// 下单扣减、取消/退款回补都必须走条件更新，不允许读改写。
type Product struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	SellerID    uint            `gorm:"not null;index" json:"seller_id"`
	Name        string          `gorm:"size:255;not null" json:"name"`
	Slug        string          `gorm:"size:255;uniqueIndex" json:"slug"`
	Description string          `gorm:"type:text" json:"description"`
	Price       decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	Quantity    int             `gorm:"not null;default:0" json:"quantity"`
	SalesCount  int             `gorm:"not null;default:0" json:"sales_count"`
	IsActive    bool            `gorm:"not null;default:true;index" json:"is_active"`
}

func (Product) TableName() string { return "products" }
