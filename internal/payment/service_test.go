package payment

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"shopnest/internal/model"
	"shopnest/internal/notify"
	"shopnest/internal/order"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.User{},
		&model.SellerProfile{},
		&model.Product{},
		&model.Order{},
		&model.OrderItem{},
	))
	return db
}

// fakeGateway 内存网关：意图状态由测试用例直接摆布。
type fakeGateway struct {
	mu      sync.Mutex
	intents map[string]Intent
	created int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{intents: map[string]Intent{}}
}

func (g *fakeGateway) CreateIntent(_ context.Context, amountMinor int64, _ string, _ map[string]string) (Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created++
	intent := Intent{
		ID:           fmt.Sprintf("pi_test_%d_%d", g.created, amountMinor),
		ClientSecret: fmt.Sprintf("pi_test_%d_secret", g.created),
		Status:       IntentRequiresPaymentMethod,
	}
	g.intents[intent.ID] = intent
	return intent, nil
}

func (g *fakeGateway) GetIntent(_ context.Context, id string) (Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[id]
	if !ok {
		return Intent{}, fmt.Errorf("%w: no such intent %s", ErrGateway, id)
	}
	return intent, nil
}

func (g *fakeGateway) ConstructEvent(_ []byte, sigHeader string) (Event, error) {
	if sigHeader != "valid" {
		return Event{}, ErrSignatureInvalid
	}
	return Event{}, nil
}

func (g *fakeGateway) setStatus(id string, status IntentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent := g.intents[id]
	intent.Status = status
	g.intents[id] = intent
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (f *fakeNotifier) Publish(_ context.Context, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeNotifier) byType(typ string) []notify.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notify.Message
	for _, m := range f.messages {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// seedPaidScenario 造一个待支付订单：买家、卖家、库存已扣减的商品、订单与订单项。
func seedPaidScenario(t *testing.T, db *gorm.DB) (model.User, model.SellerProfile, model.Product, *model.Order) {
	t.Helper()
	buyer := model.User{Email: "buyer@example.com", PasswordHash: "x", Role: model.RoleBuyer, IsActive: true}
	require.NoError(t, db.Create(&buyer).Error)
	sellerUser := model.User{Email: "seller@example.com", PasswordHash: "x", Role: model.RoleSeller, IsActive: true}
	require.NoError(t, db.Create(&sellerUser).Error)
	seller := model.SellerProfile{
		UserID:         sellerUser.ID,
		BusinessName:   "Widget Works",
		ApprovalStatus: model.SellerApproved,
		CommissionRate: decimal.RequireFromString("10"),
	}
	require.NoError(t, db.Create(&seller).Error)
	// 库存 7：下单时已经从 10 扣掉 3。
	product := model.Product{
		SellerID:   seller.ID,
		Name:       "Widget",
		Slug:       "widget",
		Price:      decimal.RequireFromString("10.00"),
		Quantity:   7,
		SalesCount: 3,
		IsActive:   true,
	}
	require.NoError(t, db.Create(&product).Error)

	o := &model.Order{
		OrderNumber:   "SN-TESTORDER1",
		BuyerID:       buyer.ID,
		Status:        model.OrderPending,
		PaymentStatus: model.PaymentPending,
		Subtotal:      decimal.RequireFromString("30.00"),
		PlatformFee:   decimal.RequireFromString("3.00"),
		Total:         decimal.RequireFromString("30.00"),
		PaymentMethod: "stripe",
		Items: []model.OrderItem{{
			ProductID:     product.ID,
			SellerID:      seller.ID,
			ProductName:   product.Name,
			Quantity:      3,
			Price:         product.Price,
			Subtotal:      decimal.RequireFromString("30.00"),
			PlatformFee:   decimal.RequireFromString("3.00"),
			SellerEarning: decimal.RequireFromString("27.00"),
			Status:        model.OrderPending,
		}},
	}
	require.NoError(t, db.Create(o).Error)
	return buyer, seller, product, o
}

func TestCreateIntentStoresReference(t *testing.T) {
	db := newTestDB(t)
	buyer, _, _, o := seedPaidScenario(t, db)
	gw := newFakeGateway()
	svc := NewService(db, gw, &fakeNotifier{}, nil)

	res, err := svc.CreateIntent(context.Background(), buyer.ID, o.ID, "usd")
	require.NoError(t, err)
	assert.NotEmpty(t, res.IntentID)
	assert.NotEmpty(t, res.ClientSecret)
	// 30.00 -> 3000 最小货币单位
	assert.Contains(t, res.IntentID, "_3000")

	var got model.Order
	require.NoError(t, db.First(&got, o.ID).Error)
	assert.Equal(t, res.IntentID, got.PaymentIntentID)
}

func TestCreateIntentEnforcesOwnership(t *testing.T) {
	db := newTestDB(t)
	buyer, _, _, o := seedPaidScenario(t, db)
	svc := NewService(db, newFakeGateway(), &fakeNotifier{}, nil)

	_, err := svc.CreateIntent(context.Background(), buyer.ID+7, o.ID, "usd")
	require.ErrorIs(t, err, order.ErrForbidden)

	_, err = svc.CreateIntent(context.Background(), buyer.ID, o.ID+100, "usd")
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestConfirmAppliesGatewayTruth(t *testing.T) {
	db := newTestDB(t)
	buyer, _, _, o := seedPaidScenario(t, db)
	gw := newFakeGateway()
	notifier := &fakeNotifier{}
	svc := NewService(db, gw, notifier, nil)

	res, err := svc.CreateIntent(context.Background(), buyer.ID, o.ID, "usd")
	require.NoError(t, err)

	// 网关还没扣成功：订单不动。
	out, err := svc.Confirm(context.Background(), buyer.ID, o.ID, res.IntentID)
	require.NoError(t, err)
	assert.False(t, out.Paid)
	assert.Equal(t, IntentRequiresPaymentMethod, out.Status)

	var got model.Order
	require.NoError(t, db.First(&got, o.ID).Error)
	assert.Equal(t, model.PaymentPending, got.PaymentStatus)

	// 网关侧成功后确认：payment=paid，订单与订单项 pending→confirmed。
	gw.setStatus(res.IntentID, IntentSucceeded)
	out, err = svc.Confirm(context.Background(), buyer.ID, o.ID, res.IntentID)
	require.NoError(t, err)
	assert.True(t, out.Paid)

	require.NoError(t, db.Preload("Items").First(&got, o.ID).Error)
	assert.Equal(t, model.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, model.OrderConfirmed, got.Status)
	require.Len(t, got.Items, 1)
	assert.Equal(t, model.OrderConfirmed, got.Items[0].Status)

	// 买家一条支付成功通知 + 卖家一条新订单通知。
	assert.Len(t, notifier.byType(notify.TypePaymentPaid), 1)
	sellerMsgs := notifier.byType(notify.TypeSellerNewOrder)
	require.Len(t, sellerMsgs, 1)
	require.Len(t, sellerMsgs[0].Lines, 1)
	assert.Equal(t, "27.00", sellerMsgs[0].Lines[0].SellerEarning)

	// 重复确认幂等：不再发第二轮通知。
	out, err = svc.Confirm(context.Background(), buyer.ID, o.ID, res.IntentID)
	require.NoError(t, err)
	assert.True(t, out.Paid)
	assert.Len(t, notifier.byType(notify.TypePaymentPaid), 1)
}

func TestConfirmRejectsForeignIntent(t *testing.T) {
	db := newTestDB(t)
	buyer, _, _, o := seedPaidScenario(t, db)
	gw := newFakeGateway()
	svc := NewService(db, gw, &fakeNotifier{}, nil)

	res, err := svc.CreateIntent(context.Background(), buyer.ID, o.ID, "usd")
	require.NoError(t, err)

	// 换一个意图 ID 重放：拒绝，不查网关。
	_, err = svc.Confirm(context.Background(), buyer.ID, o.ID, res.IntentID+"-other")
	require.ErrorIs(t, err, order.ErrForbidden)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	db := newTestDB(t)
	_, _, _, o := seedPaidScenario(t, db)
	svc := NewService(db, newFakeGateway(), &fakeNotifier{}, nil)

	err := svc.HandleWebhook(context.Background(), []byte(`{}`), "tampered")
	require.ErrorIs(t, err, ErrSignatureInvalid)

	var got model.Order
	require.NoError(t, db.First(&got, o.ID).Error)
	assert.Equal(t, model.PaymentPending, got.PaymentStatus)
}

func TestDuplicateSucceededEventIsNoop(t *testing.T) {
	db := newTestDB(t)
	_, _, _, o := seedPaidScenario(t, db)
	notifier := &fakeNotifier{}
	svc := NewService(db, newFakeGateway(), notifier, nil)

	ev := Event{ID: "evt_1", Type: EventPaymentSucceeded, IntentID: "pi_abc", OrderID: o.ID}
	require.NoError(t, svc.HandleEvent(context.Background(), ev))
	require.NoError(t, svc.HandleEvent(context.Background(), ev))

	var got model.Order
	require.NoError(t, db.First(&got, o.ID).Error)
	assert.Equal(t, model.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, "pi_abc", got.PaymentIntentID)

	// 第二次投递被数据库守卫吸收，通知只发一轮。
	assert.Len(t, notifier.byType(notify.TypePaymentPaid), 1)
	assert.Len(t, notifier.byType(notify.TypeSellerNewOrder), 1)
}

func TestLateFailureCannotRegressPaid(t *testing.T) {
	db := newTestDB(t)
	_, _, _, o := seedPaidScenario(t, db)
	svc := NewService(db, newFakeGateway(), &fakeNotifier{}, nil)

	require.NoError(t, svc.HandleEvent(context.Background(),
		Event{ID: "evt_ok", Type: EventPaymentSucceeded, IntentID: "pi_abc", OrderID: o.ID}))
	require.NoError(t, svc.HandleEvent(context.Background(),
		Event{ID: "evt_late", Type: EventPaymentFailed, IntentID: "pi_abc", OrderID: o.ID}))

	var got model.Order
	require.NoError(t, db.First(&got, o.ID).Error)
	assert.Equal(t, model.PaymentPaid, got.PaymentStatus)
}

func TestFailureBeforePaymentMarksFailed(t *testing.T) {
	db := newTestDB(t)
	_, _, _, o := seedPaidScenario(t, db)
	svc := NewService(db, newFakeGateway(), &fakeNotifier{}, nil)

	require.NoError(t, svc.HandleEvent(context.Background(),
		Event{ID: "evt_fail", Type: EventPaymentFailed, IntentID: "pi_abc", OrderID: o.ID}))

	var got model.Order
	require.NoError(t, db.First(&got, o.ID).Error)
	assert.Equal(t, model.PaymentFailed, got.PaymentStatus)
	// 支付失败允许重试，履约状态不动。
	assert.Equal(t, model.OrderPending, got.Status)
}

func TestRefundRestoresInventoryOnce(t *testing.T) {
	db := newTestDB(t)
	_, _, product, o := seedPaidScenario(t, db)
	svc := NewService(db, newFakeGateway(), &fakeNotifier{}, nil)

	require.NoError(t, svc.HandleEvent(context.Background(),
		Event{ID: "evt_ok", Type: EventPaymentSucceeded, IntentID: "pi_abc", OrderID: o.ID}))
	require.NoError(t, svc.HandleEvent(context.Background(),
		Event{ID: "evt_refund", Type: EventChargeRefunded, IntentID: "pi_abc", OrderID: o.ID}))

	var got model.Order
	require.NoError(t, db.Preload("Items").First(&got, o.ID).Error)
	assert.Equal(t, model.PaymentRefunded, got.PaymentStatus)
	assert.Equal(t, model.OrderRefunded, got.Status)
	require.Len(t, got.Items, 1)
	assert.Equal(t, model.OrderRefunded, got.Items[0].Status)

	var p model.Product
	require.NoError(t, db.First(&p, product.ID).Error)
	assert.Equal(t, 10, p.Quantity)
	assert.Equal(t, 0, p.SalesCount)

	// 重复退款事件是空操作，库存不会加两次。
	require.NoError(t, svc.HandleEvent(context.Background(),
		Event{ID: "evt_refund_2", Type: EventChargeRefunded, IntentID: "pi_abc", OrderID: o.ID}))
	require.NoError(t, db.First(&p, product.ID).Error)
	assert.Equal(t, 10, p.Quantity)
}

func TestRefundBeforePaymentIsNoop(t *testing.T) {
	db := newTestDB(t)
	_, _, product, o := seedPaidScenario(t, db)
	svc := NewService(db, newFakeGateway(), &fakeNotifier{}, nil)

	require.NoError(t, svc.HandleEvent(context.Background(),
		Event{ID: "evt_refund", Type: EventChargeRefunded, IntentID: "pi_abc", OrderID: o.ID}))

	var got model.Order
	require.NoError(t, db.First(&got, o.ID).Error)
	assert.Equal(t, model.PaymentPending, got.PaymentStatus)

	var p model.Product
	require.NoError(t, db.First(&p, product.ID).Error)
	assert.Equal(t, 7, p.Quantity)
}

func TestPaymentCannotReviveCancelledOrder(t *testing.T) {
	db := newTestDB(t)
	_, _, _, o := seedPaidScenario(t, db)
	require.NoError(t, db.Model(&model.Order{}).Where("id = ?", o.ID).
		Update("status", model.OrderCancelled).Error)
	svc := NewService(db, newFakeGateway(), &fakeNotifier{}, nil)

	require.NoError(t, svc.HandleEvent(context.Background(),
		Event{ID: "evt_ok", Type: EventPaymentSucceeded, IntentID: "pi_abc", OrderID: o.ID}))

	var got model.Order
	require.NoError(t, db.First(&got, o.ID).Error)
	// 钱到账了（留待人工退款处理），但履约状态保持取消。
	assert.Equal(t, model.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, model.OrderCancelled, got.Status)
}

func TestUnknownOrderEventIsIgnored(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db, newFakeGateway(), &fakeNotifier{}, nil)

	err := svc.HandleEvent(context.Background(),
		Event{ID: "evt_alien", Type: EventPaymentSucceeded, IntentID: "pi_unknown"})
	require.NoError(t, err)
}

// memDeduper 内存版事件去重，语义与 Redis 实现一致。
type memDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDeduper) Seen(_ context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[eventID], nil
}

func (d *memDeduper) Mark(_ context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	d.seen[eventID] = true
	return nil
}

func TestFailedEventDeliveryCanBeRetried(t *testing.T) {
	db := newTestDB(t)
	_, _, _, o := seedPaidScenario(t, db)
	svc := NewService(db, newFakeGateway(), &fakeNotifier{}, nil)
	dedup := &memDeduper{}
	svc.dedup = dedup

	ev := Event{ID: "evt_retry", Type: EventPaymentSucceeded, IntentID: "pi_abc", OrderID: o.ID}

	// 第一次投递撞上瞬时故障（订单项表不可用）：事务回滚并返回错误，
	// 调用方会回 5xx 让网关重投。
	require.NoError(t, db.Migrator().DropTable(&model.OrderItem{}))
	require.Error(t, svc.HandleEvent(context.Background(), ev))

	var got model.Order
	require.NoError(t, db.First(&got, o.ID).Error)
	assert.Equal(t, model.PaymentPending, got.PaymentStatus)

	// 失败的投递不许留去重标记，否则重投会被误吞。
	seen, err := dedup.Seen(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.False(t, seen)

	// 故障恢复后网关重投同一事件：必须应用成功。
	require.NoError(t, db.AutoMigrate(&model.OrderItem{}))
	require.NoError(t, svc.HandleEvent(context.Background(), ev))

	require.NoError(t, db.First(&got, o.ID).Error)
	assert.Equal(t, model.PaymentPaid, got.PaymentStatus)

	// 成功之后标记才落位，后续重复投递走快速路径跳过。
	seen, err = dedup.Seen(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.True(t, seen)
	require.NoError(t, svc.HandleEvent(context.Background(), ev))
}

func TestSeenEventSkipsProcessing(t *testing.T) {
	db := newTestDB(t)
	_, _, _, o := seedPaidScenario(t, db)
	svc := NewService(db, newFakeGateway(), &fakeNotifier{}, nil)
	dedup := &memDeduper{}
	require.NoError(t, dedup.Mark(context.Background(), "evt_done"))
	svc.dedup = dedup

	require.NoError(t, svc.HandleEvent(context.Background(),
		Event{ID: "evt_done", Type: EventPaymentSucceeded, IntentID: "pi_abc", OrderID: o.ID}))

	var got model.Order
	require.NoError(t, db.First(&got, o.ID).Error)
	assert.Equal(t, model.PaymentPending, got.PaymentStatus)
}

func TestEventResolvesOrderByIntentID(t *testing.T) {
	db := newTestDB(t)
	buyer, _, _, o := seedPaidScenario(t, db)
	gw := newFakeGateway()
	svc := NewService(db, gw, &fakeNotifier{}, nil)

	res, err := svc.CreateIntent(context.Background(), buyer.ID, o.ID, "usd")
	require.NoError(t, err)

	// metadata 丢了 order_id 时按意图 ID 回查。
	require.NoError(t, svc.HandleEvent(context.Background(),
		Event{ID: "evt_ok", Type: EventPaymentSucceeded, IntentID: res.IntentID}))

	var got model.Order
	require.NoError(t, db.First(&got, o.ID).Error)
	assert.Equal(t, model.PaymentPaid, got.PaymentStatus)
}
