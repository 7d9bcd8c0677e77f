package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"shopnest/internal/model"
	"shopnest/internal/notify"
	"shopnest/internal/pricing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service 订单工作流：创建、取消、履约状态迁移、公开查询。
// 所有状态变更都在单个数据库事务内完成；通知在提交之后尽力而为地发出。
type Service struct {
	db       *gorm.DB
	notifier notify.Notifier
}

func NewService(db *gorm.DB, notifier notify.Notifier) *Service {
	return &Service{db: db, notifier: notifier}
}

// CreateLine 一条下单请求行。
type CreateLine struct {
	ProductID uint `json:"product_id" binding:"required,min=1"`
	Quantity  int  `json:"quantity" binding:"required,min=1"`
}

// CreateRequest 下单请求。金额字段是客户端购物车的主张，
// 服务端会重算并校验，防止过期购物车按旧价成交。
type CreateRequest struct {
	Items           []CreateLine   `json:"items" binding:"required,min=1,dive"`
	PaymentMethod   string         `json:"payment_method" binding:"required"`
	ShippingAddress model.Address  `json:"shipping_address" binding:"required"`
	BillingAddress  *model.Address `json:"billing_address"`
	Notes           string         `json:"notes"`

	Subtotal     decimal.Decimal `json:"subtotal" binding:"required"`
	ShippingCost decimal.Decimal `json:"shipping_cost"`
	Tax          decimal.Decimal `json:"tax"`
	Total        decimal.Decimal `json:"total" binding:"required"`
}

// Create 原子地完成：校验商品与库存 → 分账定价 → 金额对账 →
// 写订单与订单项 → 条件扣减库存。任一步失败整体回滚。
// 订单号撞唯一索引时整单重试（概率可忽略，但必须兜住）。
func (s *Service) Create(ctx context.Context, buyer model.User, req CreateRequest) (*model.Order, error) {
	var created *model.Order
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		created, err = s.createOnce(ctx, buyer, req)
		if err != nil && errorsLikeUnique(err) {
			continue
		}
		break
	}
	if err != nil {
		return nil, err
	}

	// 下单确认通知：尽力而为，失败只记日志，绝不回滚订单。
	s.publish(ctx, notify.Message{
		ID:          uuid.New().String(),
		Type:        notify.TypeOrderCreated,
		OrderNumber: created.OrderNumber,
		Email:       buyer.Email,
		Total:       created.Total.StringFixed(2),
		Lines:       buyerLines(created.Items),
	})
	return created, nil
}

func (s *Service) createOnce(ctx context.Context, buyer model.User, req CreateRequest) (*model.Order, error) {
	var created *model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		computedSubtotal := decimal.Zero
		totalFee := decimal.Zero
		items := make([]model.OrderItem, 0, len(req.Items))

		for _, line := range req.Items {
			var p model.Product
			if err := tx.First(&p, line.ProductID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: product %d", ErrProductUnavailable, line.ProductID)
				}
				return err
			}
			if !p.IsActive {
				return fmt.Errorf("%w: %s", ErrProductUnavailable, p.Name)
			}
			if p.Quantity < line.Quantity {
				return fmt.Errorf("%w: %s (available %d)", ErrInsufficientStock, p.Name, p.Quantity)
			}

			var seller model.SellerProfile
			if err := tx.First(&seller, p.SellerID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					// 数据完整性故障：商品挂在不存在的卖家下，提级记录。
					log.Printf("INTEGRITY: product %d references missing seller %d", p.ID, p.SellerID)
					return fmt.Errorf("%w: product %s", ErrSellerNotFound, p.Name)
				}
				return err
			}

			split := pricing.SplitFee(p.Price, line.Quantity, seller.CommissionRate)
			computedSubtotal = computedSubtotal.Add(split.Subtotal)
			totalFee = totalFee.Add(split.PlatformFee)

			// 商品名与单价落快照，之后商品改价/下架不影响已成交订单。
			items = append(items, model.OrderItem{
				ProductID:     p.ID,
				SellerID:      seller.ID,
				ProductName:   p.Name,
				Quantity:      line.Quantity,
				Price:         p.Price,
				Subtotal:      split.Subtotal,
				PlatformFee:   split.PlatformFee,
				SellerEarning: split.SellerEarning,
				Status:        model.OrderPending,
			})
		}

		// 金额对账：小计与总额都要在容差内，否则视为过期购物车。
		if !pricing.WithinTolerance(computedSubtotal, req.Subtotal) {
			return fmt.Errorf("%w: submitted subtotal %s, computed %s",
				ErrPriceMismatch, req.Subtotal.StringFixed(2), computedSubtotal.StringFixed(2))
		}
		if !pricing.WithinTolerance(req.Total, req.Subtotal.Add(req.ShippingCost).Add(req.Tax)) {
			return fmt.Errorf("%w: total does not equal subtotal + shipping + tax", ErrPriceMismatch)
		}

		billing := req.ShippingAddress
		if req.BillingAddress != nil {
			billing = *req.BillingAddress
		}

		o := &model.Order{
			OrderNumber:     NewOrderNumber(),
			BuyerID:         buyer.ID,
			Status:          model.OrderPending,
			PaymentStatus:   model.PaymentPending,
			Subtotal:        pricing.Round(req.Subtotal),
			PlatformFee:     totalFee,
			ShippingCost:    pricing.Round(req.ShippingCost),
			Tax:             pricing.Round(req.Tax),
			Total:           pricing.Round(req.Total),
			PaymentMethod:   req.PaymentMethod,
			ShippingAddress: req.ShippingAddress,
			BillingAddress:  billing,
			Notes:           req.Notes,
			Items:           items,
		}
		if err := tx.Create(o).Error; err != nil {
			return err
		}

		// 条件扣减：WHERE quantity >= ? 在写入时刻重新校验库存，
		// 两个并发订单抢最后一件时只有一个 UPDATE 能命中行。
		for i := range items {
			res := tx.Model(&model.Product{}).
				Where("id = ? AND quantity >= ?", items[i].ProductID, items[i].Quantity).
				Updates(map[string]any{
					"quantity":    gorm.Expr("quantity - ?", items[i].Quantity),
					"sales_count": gorm.Expr("sales_count + ?", items[i].Quantity),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: %s", ErrInsufficientStock, items[i].ProductName)
			}
		}

		created = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Cancel 买家取消订单。只有 pending/confirmed 可取消；
// 取消是终态的用户动作（状态迁移而非删除），没有撤销。
// 回补是创建扣减的结构性逆操作，面向当前商品行执行。
func (s *Service) Cancel(ctx context.Context, buyerID, orderID uint, reason string) (*model.Order, error) {
	var order model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Items").First(&order, orderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if order.BuyerID != buyerID {
			return ErrForbidden
		}
		if order.Status != model.OrderPending && order.Status != model.OrderConfirmed {
			return fmt.Errorf("%w: orders in status %q cannot be cancelled", ErrInvalidTransition, order.Status)
		}

		// 先按旧状态回补库存，再统一改订单项状态。
		if err := RestoreInventory(tx, order.Items); err != nil {
			return err
		}

		now := time.Now()
		if err := tx.Model(&model.Order{}).Where("id = ?", order.ID).Updates(map[string]any{
			"status":           model.OrderCancelled,
			"cancelled_at":     now,
			"cancelled_reason": reason,
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.OrderItem{}).Where("order_id = ?", order.ID).
			Update("status", model.OrderCancelled).Error; err != nil {
			return err
		}

		order.Status = model.OrderCancelled
		order.CancelledAt = &now
		order.CancelledReason = reason
		for i := range order.Items {
			order.Items[i].Status = model.OrderCancelled
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// RestoreInventory 把一组订单项占用的库存加回商品行，销量同步回退且不降到负数。
// 已取消/已退款的行此前已经回补过，跳过以保证回补恰好一次。
// 回补目标是当前商品行，不是下单时的快照。
func RestoreInventory(tx *gorm.DB, items []model.OrderItem) error {
	for _, it := range items {
		if it.Status == model.OrderCancelled || it.Status == model.OrderRefunded {
			continue
		}
		if err := tx.Model(&model.Product{}).Where("id = ?", it.ProductID).
			Updates(map[string]any{
				"quantity": gorm.Expr("quantity + ?", it.Quantity),
				"sales_count": gorm.Expr(
					"CASE WHEN sales_count > ? THEN sales_count - ? ELSE 0 END",
					it.Quantity, it.Quantity),
			}).Error; err != nil {
			return err
		}
	}
	return nil
}

// Get 订单详情，仅限买家本人。
func (s *Service) Get(ctx context.Context, buyerID, orderID uint) (*model.Order, error) {
	var order model.Order
	err := s.db.WithContext(ctx).Preload("Items").First(&order, orderID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if order.BuyerID != buyerID {
		return nil, ErrForbidden
	}
	return &order, nil
}

// ListByBuyer 按创建时间倒序返回买家全部订单。
func (s *Service) ListByBuyer(ctx context.Context, buyerID uint) ([]model.Order, error) {
	var orders []model.Order
	err := s.db.WithContext(ctx).Preload("Items").
		Where("buyer_id = ?", buyerID).
		Order("created_at DESC").
		Find(&orders).Error
	return orders, err
}

// Track 公开查单：订单号 + 买家邮箱（大小写不敏感）。
// 邮箱不匹配返回统一的 Forbidden，不暴露订单是否存在。
func (s *Service) Track(ctx context.Context, orderNumber, email string) (*model.Order, error) {
	var order model.Order
	err := s.db.WithContext(ctx).Preload("Items").
		Where("order_number = ?", orderNumber).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var buyer model.User
	if err := s.db.WithContext(ctx).First(&buyer, order.BuyerID).Error; err != nil {
		return nil, err
	}
	if !strings.EqualFold(strings.TrimSpace(email), buyer.Email) {
		return nil, ErrForbidden
	}
	return &order, nil
}

// publish 发通知并吞掉错误（契约：通知永远不影响主流程）。
func (s *Service) publish(ctx context.Context, msg notify.Message) {
	if s.notifier == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.notifier.Publish(pubCtx, msg); err != nil {
		log.Printf("order notify type=%s order=%s: %v", msg.Type, msg.OrderNumber, err)
	}
}

func buyerLines(items []model.OrderItem) []notify.Line {
	lines := make([]notify.Line, 0, len(items))
	for _, it := range items {
		lines = append(lines, notify.Line{ProductName: it.ProductName, Quantity: it.Quantity})
	}
	return lines
}
