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
	"github.com/supportbot/frontdesk-go/internal/config"
	"github.com/supportbot/frontdesk-go/internal/handler"
	"github.com/supportbot/frontdesk-go/internal/metrics"
	"github.com/supportbot/frontdesk-go/internal/middleware"
	"github.com/supportbot/frontdesk-go/internal/service"
	"github.com/supportbot/frontdesk-go/pkg/logger"
	"github.com/supportbot/frontdesk-go/pkg/redis"
	"github.com/supportbot/frontdesk-go/pkg/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/notification-relay.yaml", "配置文件路径")
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

	zapLogger.Info("notification-relay 服务启动中...")
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := service.NewHubService(cfg.Relay.KeepaliveInterval, zapLogger)
	defer hub.Close()

	// 可选：Redis 镜像重放缓存
	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			zapLogger.Fatal("初始化 Redis 失败", zap.Error(err))
		}
		defer rdb.Close()

		store := service.NewRedisReplayStore(rdb, cfg.Redis.KeyPrefix, zapLogger)
		if err := hub.UseReplayStore(ctx, store); err != nil {
			zapLogger.Fatal("恢复重放缓存失败", zap.Error(err))
		}
	}

	// 初始化路由
	r := gin.Default()
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins...))
	r.Use(middleware.ServiceName(cfg.Server.Name))
	handler.NewRelayHandler(hub, zapLogger).RegisterRoutes(r)
	r.GET("/ws/:channel", handler.NewWebSocketHandler(hub, cfg.Relay.WriteTimeout, zapLogger).HandleWebSocket)
	r.GET("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	zapLogger.Info("notification-relay 服务启动成功",
		zap.Int("port", cfg.Server.Port),
		zap.Duration("keepalive", cfg.Relay.KeepaliveInterval),
		zap.Bool("redis", cfg.Redis.Enabled))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx, srv, zapLogger) })
	g.Go(func() error { return hub.Run(gctx) })

	if err := g.Wait(); err != nil {
		zapLogger.Error("服务异常退出", zap.Error(err))
		return
	}
	zapLogger.Info("notification-relay 服务已停止")
}
