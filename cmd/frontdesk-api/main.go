package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/supportbot/frontdesk-go/internal/client"
	"github.com/supportbot/frontdesk-go/internal/config"
	"github.com/supportbot/frontdesk-go/internal/handler"
	"github.com/supportbot/frontdesk-go/internal/metrics"
	"github.com/supportbot/frontdesk-go/internal/middleware"
	"github.com/supportbot/frontdesk-go/internal/service"
	"github.com/supportbot/frontdesk-go/pkg/logger"
	"github.com/supportbot/frontdesk-go/pkg/server"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/frontdesk-api.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化日志
	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("frontdesk-api 服务启动中...")
	metrics.Init()

	// 初始化知识库与求助请求账本
	knowledge := service.NewKnowledgeService(cfg.Storage.KnowledgeFile, zapLogger)
	if cfg.Storage.BaselineFile != "" {
		if err := knowledge.LoadBaselineFile(cfg.Storage.BaselineFile); err != nil {
			zapLogger.Fatal("加载基础知识失败", zap.Error(err))
		}
	}
	ledger, err := service.NewLedgerService(cfg.Storage.HelpRequestsFile, zapLogger)
	if err != nil {
		zapLogger.Fatal("加载求助请求失败", zap.Error(err))
	}

	// 通知中继客户端
	relay := client.NewRelayClient(cfg.Services.Notification, cfg.Notify.Timeout, zapLogger)

	// 初始化服务
	escalation := service.NewEscalationService(knowledge, ledger, relay, cfg.Notify.Timeout, zapLogger)
	resolution := service.NewResolutionService(knowledge, ledger, relay, cfg.Notify.Timeout, zapLogger)

	// 初始化路由
	r := gin.Default()
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins...))
	r.Use(middleware.ServiceName(cfg.Server.Name))
	handler.NewRequestHandler(escalation, resolution, ledger, knowledge, zapLogger).RegisterRoutes(r)
	r.GET("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zapLogger.Info("frontdesk-api 服务启动成功",
		zap.Int("port", cfg.Server.Port),
		zap.String("notificationUrl", cfg.Services.Notification))

	if err := server.Serve(ctx, srv, zapLogger); err != nil {
		zapLogger.Fatal("服务异常退出", zap.Error(err))
	}
	zapLogger.Info("frontdesk-api 服务已停止")
}
