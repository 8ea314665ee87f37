package main

import (
	"context"
	"flag"
	"log"
	"net/http"

	"agrocarbon/credit-ledger-backend/internal/config"
	"agrocarbon/credit-ledger-backend/internal/ledger"
	"agrocarbon/credit-ledger-backend/internal/logger"
	"agrocarbon/credit-ledger-backend/internal/notifications"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Logging.Level, cfg.Logging.Debug)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	db, err := gorm.Open(postgres.Open(cfg.Database.GetDatabaseURL()), &gorm.Config{})
	if err != nil {
		zlog.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := ledger.AutoMigrate(db); err != nil {
		zlog.Fatal("failed to run migrations", zap.Error(err))
	}

	var notifier notifications.Notifier = notifications.NewLogNotifier(zlog)
	if cfg.Notifications.TopicARN != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.Notifications.Region))
		if err != nil {
			zlog.Fatal("failed to load AWS config", zap.Error(err))
		}
		notifier = notifications.NewSNSNotifier(sns.NewFromConfig(awsCfg), cfg.Notifications.TopicARN)
	}

	repo := ledger.NewRepository(db)
	recalc := ledger.NewRecalcService(repo, zlog)
	ownerships := ledger.NewOwnershipService(repo, zlog)
	transfers := ledger.NewTransferService(repo, notifier, recalc, zlog)
	reserves := ledger.NewReserveService(repo, recalc, zlog)

	r := gin.Default()
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "API alive!"})
	})

	handler := ledger.NewHandler(ownerships, transfers, reserves, recalc)
	handler.RegisterRoutes(r.Group("/api/v1"))

	addr := cfg.Server.GetServerAddr()
	zlog.Info("server starting", zap.String("addr", addr))
	if err := r.Run(addr); err != nil {
		zlog.Fatal("server stopped", zap.Error(err))
	}
}
