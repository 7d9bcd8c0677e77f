package router

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"shopnest/internal/config"
	"shopnest/internal/middleware"
	"shopnest/internal/model"
	"shopnest/internal/order"
	"shopnest/internal/payment"
	"shopnest/internal/settings"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, db *gorm.DB, rdb *rd.Client,
	orders *order.Service, payments *payment.Service, sets *settings.Service,
	cfg config.AppConfig) {

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	auth := middleware.Auth(cfg.JWTSecret)

	// Orders（买家）
	r.POST("/api/orders", auth,
		middleware.RedisRateLimit(rdb, cfg.OrderRateLimit, cfg.OrderRateWindow),
		createOrder(orders))
	r.GET("/api/orders", auth, listOrders(orders))
	r.GET("/api/orders/:id", auth, getOrder(orders))
	r.PUT("/api/orders/:id/cancel", auth, cancelOrder(orders))
	// 公开查单：订单号 + 邮箱，无需登录
	r.POST("/api/orders/track", trackOrder(orders))

	// Payments
	r.POST("/api/payments/intent", auth, createIntent(payments, cfg.Currency))
	r.POST("/api/payments/confirm", auth, confirmPayment(payments))
	r.POST("/api/payments/webhook", stripeWebhook(payments))
	r.GET("/api/payments/public-key", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"public_key": cfg.StripePublicKey}})
	})

	// Seller 履约
	seller := r.Group("/api/seller", auth, middleware.RequireRole(model.RoleSeller))
	seller.GET("/orders", listSellerItems(db, orders))
	seller.GET("/orders/stats", sellerStats(db, orders))
	seller.PUT("/orders/items/:id/status", updateItemStatus(db, orders))

	// Admin 平台设置
	admin := r.Group("/api/admin", auth, middleware.RequireRole(model.RoleAdmin))
	admin.GET("/settings", listSettings(sets))
	admin.GET("/settings/audit", settingsAudit(sets))
	admin.GET("/settings/:key", getSetting(sets))
	admin.PUT("/settings/:key", updateSetting(sets))
	admin.POST("/settings/:key/reset", resetSetting(sets))
}

// createOrder 下单入口。请求体是强类型结构，校验不过不会进入工作流。
func createOrder(orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req order.CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		buyer := middleware.CurrentUser(c)
		o, err := orders.Create(c.Request.Context(), buyer, req)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"code": 0, "data": o})
	}
}

func listOrders(orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := orders.ListByBuyer(c.Request.Context(), c.GetUint(middleware.CtxUserID))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
	}
}

func getOrder(orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "invalid order id"})
			return
		}
		o, err := orders.Get(c.Request.Context(), c.GetUint(middleware.CtxUserID), id)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": o})
	}
}

func cancelOrder(orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "invalid order id"})
			return
		}
		var req struct {
			Reason string `json:"reason" binding:"required,min=10,max=500"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		o, err := orders.Cancel(c.Request.Context(), c.GetUint(middleware.CtxUserID), id, req.Reason)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{
			"order_id":     o.ID,
			"order_number": o.OrderNumber,
			"status":       o.Status,
		}})
	}
}

func trackOrder(orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			OrderNumber string `json:"order_number" binding:"required"`
			Email       string `json:"email" binding:"required,email"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		o, err := orders.Track(c.Request.Context(), req.OrderNumber, req.Email)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": o})
	}
}

// createIntent 创建支付意图。请求不带 currency 时用平台默认币种。
func createIntent(payments *payment.Service, defaultCurrency string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			OrderID  uint   `json:"order_id" binding:"required,min=1"`
			Currency string `json:"currency"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		if req.Currency == "" {
			req.Currency = defaultCurrency
		}
		out, err := payments.CreateIntent(c.Request.Context(), c.GetUint(middleware.CtxUserID), req.OrderID, req.Currency)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
	}
}

func confirmPayment(payments *payment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			OrderID  uint   `json:"order_id" binding:"required,min=1"`
			IntentID string `json:"payment_intent_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		out, err := payments.Confirm(c.Request.Context(), c.GetUint(middleware.CtxUserID), req.OrderID, req.IntentID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
	}
}

// stripeWebhook 网关回调。验签失败回 4xx 且不改任何状态；
// 处理失败回 5xx 让网关按自己的策略重试（事件应用是幂等的）。
func stripeWebhook(payments *payment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "invalid payload"})
			return
		}
		sig := c.GetHeader("Stripe-Signature")
		if err := payments.HandleWebhook(c.Request.Context(), payload, sig); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "received"})
	}
}

func listSellerItems(db *gorm.DB, orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sellerID, err := sellerProfileID(c, db)
		if err != nil {
			fail(c, err)
			return
		}
		out, err := orders.ListSellerItems(c.Request.Context(), sellerID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
	}
}

func sellerStats(db *gorm.DB, orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sellerID, err := sellerProfileID(c, db)
		if err != nil {
			fail(c, err)
			return
		}
		out, err := orders.Stats(c.Request.Context(), sellerID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
	}
}

func updateItemStatus(db *gorm.DB, orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		itemID, err := pathID(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "invalid item id"})
			return
		}
		var req struct {
			Status         string `json:"status" binding:"required,oneof=confirmed processing shipped delivered cancelled"`
			TrackingNumber string `json:"tracking_number"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		sellerID, err := sellerProfileID(c, db)
		if err != nil {
			fail(c, err)
			return
		}
		item, err := orders.UpdateItemStatus(c.Request.Context(), sellerID, itemID,
			model.OrderStatus(req.Status), req.TrackingNumber)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": item})
	}
}

func listSettings(sets *settings.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := sets.List(c.Request.Context(), false)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
	}
}

func getSetting(sets *settings.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := sets.Get(c.Request.Context(), c.Param("key"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
	}
}

func updateSetting(sets *settings.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Value  json.RawMessage `json:"value" binding:"required"`
			Reason string          `json:"reason"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		out, err := sets.Update(c.Request.Context(), c.Param("key"), req.Value, settingActor(c), req.Reason)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
	}
}

func resetSetting(sets *settings.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&req) // reason 可选，body 为空也允许
		out, err := sets.Reset(c.Request.Context(), c.Param("key"), settingActor(c), req.Reason)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
	}
}

func settingsAudit(sets *settings.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		out, err := sets.AuditLog(c.Request.Context(), c.Query("key"), limit)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
	}
}

// sellerProfileID 把已认证用户映射到卖家档案。
// 有 seller 角色但没有档案的账号视为 Forbidden。
func sellerProfileID(c *gin.Context, db *gorm.DB) (uint, error) {
	var profile model.SellerProfile
	err := db.WithContext(c.Request.Context()).
		Where("user_id = ?", c.GetUint(middleware.CtxUserID)).
		First(&profile).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, order.ErrForbidden
		}
		return 0, err
	}
	return profile.ID, nil
}

func settingActor(c *gin.Context) settings.Actor {
	return settings.Actor{
		UserID:    c.GetUint(middleware.CtxUserID),
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

func pathID(c *gin.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id")
	}
	return uint(id), nil
}

// fail 把服务层错误映射到 HTTP 状态码，消息原样返回给调用方。
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, order.ErrNotFound) || errors.Is(err, settings.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, order.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, order.ErrProductUnavailable),
		errors.Is(err, order.ErrInsufficientStock),
		errors.Is(err, order.ErrPriceMismatch),
		errors.Is(err, order.ErrSellerNotFound),
		errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, settings.ErrInvalidValue),
		errors.Is(err, settings.ErrNotEditable),
		errors.Is(err, payment.ErrSignatureInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, payment.ErrGateway):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"code": status, "msg": err.Error()})
}
