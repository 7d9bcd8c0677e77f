package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"shopnest/internal/model"
	"shopnest/internal/notify"
	"shopnest/internal/order"
	rediskey "shopnest/pkg/redis"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service 支付确认状态机：
// 同步确认（买家发起）与异步 webhook（网关发起，权威、至少一次、可能乱序）
// 驱动同一组迁移。所有状态变更都是短事务；网关网络调用永远不在事务内。
type Service struct {
	db       *gorm.DB
	gateway  Gateway
	notifier notify.Notifier
	// dedup 用于 webhook 事件快速去重；为 nil 或出错时降级，
	// 幂等性仍由数据库的 payment_status 条件更新兜底。
	dedup deduper
}

func NewService(db *gorm.DB, gateway Gateway, notifier notify.Notifier, rdb *rd.Client) *Service {
	s := &Service{db: db, gateway: gateway, notifier: notifier}
	if rdb != nil {
		s.dedup = redisDeduper{rdb: rdb}
	}
	return s
}

// deduper 网关事件去重。Seen 在应用前跳过已处理的事件；
// Mark 只能在事件成功应用之后调用——失败的投递不留痕迹，
// 否则网关重试会被误吞，事件永久丢失。
type deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type redisDeduper struct {
	rdb *rd.Client
}

func (d redisDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	return rediskey.EventSeen(ctx, d.rdb, eventID)
}

func (d redisDeduper) Mark(ctx context.Context, eventID string) error {
	_, err := rediskey.MarkEventOnce(ctx, d.rdb, eventID)
	return err
}

// IntentResult 创建意图的返回。ClientSecret 交给前端完成收银台流程。
type IntentResult struct {
	IntentID     string `json:"payment_intent_id"`
	ClientSecret string `json:"client_secret"`
}

// CreateIntent 为订单创建支付意图并把意图 ID 落到订单上。
// 金额取订单总额换算成最小货币单位，metadata 带上 order_id 供 webhook 回查。
func (s *Service) CreateIntent(ctx context.Context, buyerID, orderID uint, currency string) (IntentResult, error) {
	var o model.Order
	if err := s.db.WithContext(ctx).First(&o, orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return IntentResult{}, order.ErrNotFound
		}
		return IntentResult{}, err
	}
	if o.BuyerID != buyerID {
		return IntentResult{}, order.ErrForbidden
	}

	amountMinor := o.Total.Mul(decimal.NewFromInt(100)).IntPart()
	intent, err := s.gateway.CreateIntent(ctx, amountMinor, currency, map[string]string{
		"order_id":     fmt.Sprintf("%d", o.ID),
		"order_number": o.OrderNumber,
		"buyer_id":     fmt.Sprintf("%d", o.BuyerID),
	})
	if err != nil {
		return IntentResult{}, err
	}

	if err := s.db.WithContext(ctx).Model(&model.Order{}).Where("id = ?", o.ID).
		Update("payment_intent_id", intent.ID).Error; err != nil {
		return IntentResult{}, err
	}
	return IntentResult{IntentID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

// ConfirmResult 同步确认的结果。
// Pending 状态（requires_action 等）原样返回给前端继续流程，订单不动。
type ConfirmResult struct {
	Paid   bool         `json:"paid"`
	Status IntentStatus `json:"status"`
}

// Confirm 买家收银台回来后的同步确认。
// 幂等：已 paid 直接返回成功；意图 ID 与订单在案值不一致时拒绝（防跨单重放）。
func (s *Service) Confirm(ctx context.Context, buyerID, orderID uint, intentID string) (ConfirmResult, error) {
	var o model.Order
	if err := s.db.WithContext(ctx).First(&o, orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ConfirmResult{}, order.ErrNotFound
		}
		return ConfirmResult{}, err
	}
	if o.BuyerID != buyerID {
		return ConfirmResult{}, order.ErrForbidden
	}
	if o.PaymentStatus == model.PaymentPaid {
		return ConfirmResult{Paid: true, Status: IntentSucceeded}, nil
	}
	if o.PaymentIntentID != "" && o.PaymentIntentID != intentID {
		return ConfirmResult{}, fmt.Errorf("%w: payment reference does not match this order", order.ErrForbidden)
	}

	// 网关是支付结果的唯一权威，前端的说法不作数。
	intent, err := s.gateway.GetIntent(ctx, intentID)
	if err != nil {
		return ConfirmResult{}, err
	}

	switch intent.Status {
	case IntentSucceeded:
		applied, paidOrder, err := s.markPaid(ctx, o.ID, intent.ID)
		if err != nil {
			return ConfirmResult{}, err
		}
		if applied {
			s.notifyPaid(ctx, paidOrder)
		}
		return ConfirmResult{Paid: true, Status: IntentSucceeded}, nil
	case IntentCanceled:
		if err := s.markFailed(ctx, o.ID); err != nil {
			return ConfirmResult{}, err
		}
		return ConfirmResult{Paid: false, Status: intent.Status}, nil
	default:
		// requires_action / requires_payment_method / processing：
		// 客户端还有步骤要走，订单保持原状。
		return ConfirmResult{Paid: false, Status: intent.Status}, nil
	}
}

// HandleWebhook 校验签名并应用一条网关事件。
// 签名不合法返回 ErrSignatureInvalid，调用方回 4xx 且不改任何状态。
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	ev, err := s.gateway.ConstructEvent(payload, sigHeader)
	if err != nil {
		return err
	}
	return s.HandleEvent(ctx, ev)
}

// HandleEvent 应用一条已验签的网关事件。至少一次投递、可能乱序：
//   - succeeded 重复投递是空操作（payment_status 条件更新兜底）；
//   - failed/canceled 晚于 succeeded 到达时不会回退已支付状态；
//   - refunded 只能从 paid 出发，退款回补库存与取消完全一致。
func (s *Service) HandleEvent(ctx context.Context, ev Event) error {
	// 快速去重只认已成功应用的事件；出错时放过，数据库守卫仍然成立。
	if s.dedup != nil && ev.ID != "" {
		seen, err := s.dedup.Seen(ctx, ev.ID)
		if err == nil && seen {
			return nil
		}
	}

	o, err := s.findOrder(ctx, ev)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			// 网关可能推来本系统不认识的事件（测试模式、其他产品线），忽略。
			log.Printf("payment event %s: no matching order (intent=%s)", ev.Type, ev.IntentID)
			return nil
		}
		return err
	}

	var applyErr error
	switch ev.Type {
	case EventPaymentSucceeded:
		applied, paidOrder, err := s.markPaid(ctx, o.ID, ev.IntentID)
		if err != nil {
			applyErr = err
		} else if applied {
			s.notifyPaid(ctx, paidOrder)
		}
	case EventPaymentFailed, EventPaymentCanceled:
		applyErr = s.markFailed(ctx, o.ID)
	case EventChargeRefunded:
		applyErr = s.markRefunded(ctx, o.ID)
	}
	if applyErr != nil {
		// 不落去重标记就返回错误：调用方回 5xx，网关会重投同一事件。
		return applyErr
	}

	// 应用成功后才落标记。标记失败只影响下次的快速路径，不影响正确性。
	if s.dedup != nil && ev.ID != "" {
		if err := s.dedup.Mark(ctx, ev.ID); err != nil {
			log.Printf("payment event %s: mark processed: %v", ev.ID, err)
		}
	}
	return nil
}

func (s *Service) findOrder(ctx context.Context, ev Event) (*model.Order, error) {
	var o model.Order
	q := s.db.WithContext(ctx)
	var err error
	if ev.OrderID > 0 {
		err = q.First(&o, ev.OrderID).Error
	} else if ev.IntentID != "" {
		err = q.Where("payment_intent_id = ?", ev.IntentID).First(&o).Error
	} else {
		return nil, order.ErrNotFound
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, order.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// markPaid 原子迁移：payment=paid、订单 pending→confirmed、pending 订单项→confirmed。
// WHERE payment_status <> paid 保证重复调用恰好生效一次；
// applied=false 表示本次是重复投递，调用方不要再发通知。
func (s *Service) markPaid(ctx context.Context, orderID uint, intentID string) (bool, *model.Order, error) {
	applied := false
	var paid model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{"payment_status": model.PaymentPaid}
		if intentID != "" {
			updates["payment_intent_id"] = intentID
		}
		res := tx.Model(&model.Order{}).
			Where("id = ? AND payment_status <> ?", orderID, model.PaymentPaid).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil // 已是 paid，幂等返回
		}
		applied = true

		// 订单级状态只从 pending 迁到 confirmed，已取消的订单不被支付事件复活。
		if err := tx.Model(&model.Order{}).
			Where("id = ? AND status = ?", orderID, model.OrderPending).
			Update("status", model.OrderConfirmed).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.OrderItem{}).
			Where("order_id = ? AND status = ?", orderID, model.OrderPending).
			Update("status", model.OrderConfirmed).Error; err != nil {
			return err
		}
		return tx.Preload("Items").First(&paid, orderID).Error
	})
	if err != nil {
		return false, nil, err
	}
	if !applied {
		return false, nil, nil
	}
	return true, &paid, nil
}

// markFailed 标记支付失败（允许重试）。晚到的失败通知不能回退已支付/已退款状态。
func (s *Service) markFailed(ctx context.Context, orderID uint) error {
	return s.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND payment_status NOT IN ?", orderID,
			[]model.PaymentStatus{model.PaymentPaid, model.PaymentRefunded}).
		Update("payment_status", model.PaymentFailed).Error
}

// markRefunded 整单退款：payment/订单/订单项全部置 refunded，
// 库存回补与取消完全一致。WHERE payment_status = paid 保证只退一次。
func (s *Service) markRefunded(ctx context.Context, orderID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Order{}).
			Where("id = ? AND payment_status = ?", orderID, model.PaymentPaid).
			Updates(map[string]any{
				"payment_status": model.PaymentRefunded,
				"status":         model.OrderRefunded,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil // 非 paid 状态的退款事件是空操作
		}

		var items []model.OrderItem
		if err := tx.Where("order_id = ?", orderID).Find(&items).Error; err != nil {
			return err
		}
		if err := order.RestoreInventory(tx, items); err != nil {
			return err
		}
		return tx.Model(&model.OrderItem{}).Where("order_id = ?", orderID).
			Update("status", model.OrderRefunded).Error
	})
}

// notifyPaid 支付成功后的通知：买家一条，涉及的每个卖家各一条，
// 卖家通知只含该卖家自己的行与所得。全部尽力而为。
func (s *Service) notifyPaid(ctx context.Context, o *model.Order) {
	if s.notifier == nil || o == nil {
		return
	}

	var buyer model.User
	if err := s.db.WithContext(ctx).First(&buyer, o.BuyerID).Error; err != nil {
		log.Printf("payment notify: load buyer %d: %v", o.BuyerID, err)
	} else {
		s.publish(ctx, notify.Message{
			ID:          uuid.New().String(),
			Type:        notify.TypePaymentPaid,
			OrderNumber: o.OrderNumber,
			Email:       buyer.Email,
			Total:       o.Total.StringFixed(2),
		})
	}

	bySeller := map[uint][]notify.Line{}
	for _, it := range o.Items {
		bySeller[it.SellerID] = append(bySeller[it.SellerID], notify.Line{
			ProductName:   it.ProductName,
			Quantity:      it.Quantity,
			SellerEarning: it.SellerEarning.StringFixed(2),
		})
	}
	for sellerID, lines := range bySeller {
		s.publish(ctx, notify.Message{
			ID:          uuid.New().String(),
			Type:        notify.TypeSellerNewOrder,
			OrderNumber: o.OrderNumber,
			SellerID:    sellerID,
			Lines:       lines,
		})
	}
}

func (s *Service) publish(ctx context.Context, msg notify.Message) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.notifier.Publish(pubCtx, msg); err != nil {
		log.Printf("payment notify type=%s order=%s: %v", msg.Type, msg.OrderNumber, err)
	}
}
