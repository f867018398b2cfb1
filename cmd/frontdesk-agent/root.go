package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/supportbot/frontdesk-go/internal/agent"
	"github.com/supportbot/frontdesk-go/internal/client"
	"github.com/supportbot/frontdesk-go/internal/config"
	"github.com/supportbot/frontdesk-go/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// errInputClosed 输入结束，正常退出
var errInputClosed = errors.New("input closed")

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:          "frontdesk-agent",
		Short:        "Front desk voice agent: answers questions and relays supervisor answers to the caller",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadAgentConfig(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "configs/frontdesk-agent.yaml", "配置文件路径")
	flags.String("channel", "", "订阅的频道（房间）")
	flags.String("api-url", "", "请求服务地址")
	flags.String("notification-url", "", "通知中继地址")
	flags.String("websocket-url", "", "通知中继 WebSocket 地址")
	flags.String("log-level", "", "日志级别")
	_ = v.BindPFlags(flags)

	return cmd
}

// loadAgentConfig 配置文件 + 环境变量，命令行参数优先
func loadAgentConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.LoadConfig(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if s := v.GetString("channel"); s != "" {
		cfg.Agent.Channel = s
	}
	if s := v.GetString("api-url"); s != "" {
		cfg.Services.API = s
	}
	if s := v.GetString("notification-url"); s != "" {
		cfg.Services.Notification = s
	}
	if s := v.GetString("websocket-url"); s != "" {
		cfg.Services.WebSocket = s
	}
	if s := v.GetString("log-level"); s != "" {
		cfg.Log.Level = s
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer zapLogger.Sync()

	match, err := agent.ParseMatchPolicy(cfg.Agent.MatchPolicy)
	if err != nil {
		return err
	}

	api := client.NewAPIClient(cfg.Services.API, cfg.Notify.Timeout, zapLogger)
	relay := client.NewRelayClient(cfg.Services.Notification, cfg.Notify.Timeout, zapLogger)
	console := agent.NewConsoleDeliverer(os.Stdout)

	subscriber := agent.NewSubscriber(agent.Options{
		Channel:              cfg.Agent.Channel,
		WebSocketURL:         cfg.Services.WebSocket,
		AckDelay:             cfg.Agent.AckDelay,
		ReconnectInitial:     cfg.Agent.ReconnectInitial,
		ReconnectMax:         cfg.Agent.ReconnectMax,
		MaxReconnectFailures: cfg.Agent.MaxReconnectFailures,
	}, api, relay, console, agent.NewRecentEscalations(cfg.Agent.DedupWindow, match), zapLogger)

	zapLogger.Info("frontdesk-agent 启动",
		zap.String("channel", cfg.Agent.Channel),
		zap.String("apiUrl", cfg.Services.API),
		zap.String("websocketUrl", cfg.Services.WebSocket))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return subscriber.Run(gctx) })
	g.Go(func() error {
		if err := agent.RunConsole(gctx, os.Stdin, console, subscriber); err != nil {
			return err
		}
		if gctx.Err() != nil {
			return nil
		}
		return errInputClosed
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errInputClosed) {
		return err
	}
	zapLogger.Info("frontdesk-agent 已退出")
	return nil
}
