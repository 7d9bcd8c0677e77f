package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"shopnest/internal/config"
	"shopnest/internal/model"
	"shopnest/internal/notify"
	"shopnest/internal/order"
	"shopnest/internal/payment"
	"shopnest/internal/router"
	"shopnest/internal/settings"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	db, err := openDB(cfg)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	if err := db.AutoMigrate(
		&model.User{},
		&model.SellerProfile{},
		&model.Product{},
		&model.Order{},
		&model.OrderItem{},
		&model.PlatformSetting{},
		&model.SettingsAuditLog{},
	); err != nil {
		log.Fatalf("db migrate: %v", err)
	}

	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})

	notifier := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer notifier.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 通知消费者在进程内跑一份；水平扩容时单独拆进程即可。
	consumer := notify.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, notify.LogDeliverer)
	defer consumer.Close()
	go consumer.Run(ctx)

	gateway := payment.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret)

	orders := order.NewService(db, notifier)
	payments := payment.NewService(db, gateway, notifier, rdb)
	sets := settings.NewService(db, rdb, cfg.SettingCacheTTL)

	r := gin.Default()
	router.Setup(r, db, rdb, orders, payments, sets, cfg)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http serve: %v", err)
		}
	}()
	log.Printf("listening on %s", cfg.HTTPAddr)

	<-ctx.Done()
	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}

func openDB(cfg config.AppConfig) (*gorm.DB, error) {
	if cfg.DBDriver == "postgres" {
		return gorm.Open(postgres.Open(cfg.DBDSN), &gorm.Config{})
	}
	return gorm.Open(sqlite.Open(cfg.DBDSN), &gorm.Config{})
}
