package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shopnest/internal/model"
	"shopnest/internal/notify"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// UpdateItemStatus 卖家推进自己订单项的履约状态。
// 规则：
//   - 迁移必须在订单项状态机允许的范围内，否则 ErrInvalidTransition 且状态不变；
//   - 发货必须带非空运单号，运单号落在父订单上；
//   - 卖家取消订单项立即回补该行库存；
//   - 迁移后若全部订单项状态一致，订单级状态同步为该值（纯反范式化），
//     留有未取消行的部分取消不会取消整单。
func (s *Service) UpdateItemStatus(ctx context.Context, sellerID, itemID uint, next model.OrderStatus, trackingNumber string) (*model.OrderItem, error) {
	var item model.OrderItem
	var buyerEmail string
	var orderNumber string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&item, itemID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if item.SellerID != sellerID {
			return ErrForbidden
		}
		if !model.CanTransitionItem(item.Status, next) {
			return fmt.Errorf("%w: item cannot go from %q to %q", ErrInvalidTransition, item.Status, next)
		}
		if next == model.OrderShipped && trackingNumber == "" {
			return fmt.Errorf("%w: shipping requires a tracking number", ErrInvalidTransition)
		}

		if next == model.OrderCancelled {
			if err := RestoreInventory(tx, []model.OrderItem{item}); err != nil {
				return err
			}
		}

		if err := tx.Model(&model.OrderItem{}).Where("id = ?", item.ID).
			Update("status", next).Error; err != nil {
			return err
		}
		item.Status = next

		if next == model.OrderShipped {
			if err := tx.Model(&model.Order{}).Where("id = ?", item.OrderID).
				Update("tracking_number", trackingNumber).Error; err != nil {
				return err
			}
		}

		var parent model.Order
		if err := tx.Preload("Items").First(&parent, item.OrderID).Error; err != nil {
			return err
		}
		if uniform, ok := parent.UniformItemStatus(); ok && uniform != parent.Status {
			updates := map[string]any{"status": uniform}
			if uniform == model.OrderCancelled {
				now := time.Now()
				updates["cancelled_at"] = now
				updates["cancelled_reason"] = "all items cancelled by sellers"
			}
			if err := tx.Model(&model.Order{}).Where("id = ?", parent.ID).
				Updates(updates).Error; err != nil {
				return err
			}
		}
		orderNumber = parent.OrderNumber

		var buyer model.User
		if err := tx.First(&buyer, parent.BuyerID).Error; err != nil {
			return err
		}
		buyerEmail = buyer.Email
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 每次履约迁移都给买家发状态通知，失败不影响请求。
	s.publish(ctx, notify.Message{
		ID:          uuid.New().String(),
		Type:        notify.TypeStatusUpdate,
		OrderNumber: orderNumber,
		Email:       buyerEmail,
		Status:      string(item.Status),
		Lines: []notify.Line{{
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
		}},
	})
	return &item, nil
}

// SellerItem 卖家视角的订单行：附带订单号，金额含平台佣金与卖家所得。
type SellerItem struct {
	model.OrderItem
	OrderNumber string `json:"order_number"`
}

// ListSellerItems 返回某卖家的全部订单行（新单在前）。
func (s *Service) ListSellerItems(ctx context.Context, sellerID uint) ([]SellerItem, error) {
	var items []SellerItem
	err := s.db.WithContext(ctx).Model(&model.OrderItem{}).
		Select("order_items.*, orders.order_number").
		Joins("JOIN orders ON orders.id = order_items.order_id").
		Where("order_items.seller_id = ?", sellerID).
		Order("order_items.created_at DESC").
		Scan(&items).Error
	return items, err
}

// SellerStats 卖家订单汇总。
type SellerStats struct {
	TotalItems      int64           `json:"total_items"`
	PendingItems    int64           `json:"pending_items"`
	ProcessingItems int64           `json:"processing_items"`
	DeliveredItems  int64           `json:"delivered_items"`
	CancelledItems  int64           `json:"cancelled_items"`
	TotalRevenue    decimal.Decimal `json:"total_revenue"`
	TotalFees       decimal.Decimal `json:"total_fees"`
	TotalEarnings   decimal.Decimal `json:"total_earnings"`
}

// Stats 聚合卖家订单行数量与金额。金额只统计非取消/退款的行。
func (s *Service) Stats(ctx context.Context, sellerID uint) (SellerStats, error) {
	var out SellerStats
	base := s.db.WithContext(ctx).Model(&model.OrderItem{}).Where("seller_id = ?", sellerID)

	if err := base.Session(&gorm.Session{}).Count(&out.TotalItems).Error; err != nil {
		return out, err
	}
	counts := map[model.OrderStatus]*int64{
		model.OrderPending:    &out.PendingItems,
		model.OrderProcessing: &out.ProcessingItems,
		model.OrderDelivered:  &out.DeliveredItems,
		model.OrderCancelled:  &out.CancelledItems,
	}
	for status, dst := range counts {
		if err := base.Session(&gorm.Session{}).Where("status = ?", status).Count(dst).Error; err != nil {
			return out, err
		}
	}

	var items []model.OrderItem
	if err := base.Session(&gorm.Session{}).
		Where("status NOT IN ?", []model.OrderStatus{model.OrderCancelled, model.OrderRefunded}).
		Find(&items).Error; err != nil {
		return out, err
	}
	for _, it := range items {
		out.TotalRevenue = out.TotalRevenue.Add(it.Subtotal)
		out.TotalFees = out.TotalFees.Add(it.PlatformFee)
		out.TotalEarnings = out.TotalEarnings.Add(it.SellerEarning)
	}
	return out, nil
}
