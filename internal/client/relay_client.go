package client

import (
	"context"
	"net/url"
	"time"

	"github.com/supportbot/frontdesk-go/internal/model"
	"go.uber.org/zap"
)

// RelayClient 通知中继客户端
type RelayClient struct {
	http   jsonClient
	logger *zap.Logger
}

// NewRelayClient 创建通知中继客户端
func NewRelayClient(baseURL string, timeout time.Duration, logger *zap.Logger) *RelayClient {
	return &RelayClient{
		http:   newJSONClient(baseURL, timeout),
		logger: logger,
	}
}

// RequestCreated 推送新请求事件
func (c *RelayClient) RequestCreated(ctx context.Context, req *model.HelpRequest) error {
	payload := model.NotifyRequest{
		RoomID:    req.Channel,
		RequestID: req.ID,
		Question:  req.Question,
		Status:    model.CacheStatusPending,
	}
	if err := c.http.do(ctx, "POST", "/notify/request-created", payload, nil); err != nil {
		return err
	}
	c.logger.Info("通知已发送", zap.String("event", model.EventRequestCreated), zap.String("requestId", req.ID))
	return nil
}

// RequestResolved 推送请求已解决事件
func (c *RelayClient) RequestResolved(ctx context.Context, req *model.HelpRequest) error {
	payload := model.NotifyRequest{
		RoomID:    req.Channel,
		RequestID: req.ID,
		Question:  req.Question,
		Status:    model.CacheStatusResolved,
	}
	if req.Answer != nil {
		payload.Answer = *req.Answer
	}
	if err := c.http.do(ctx, "POST", "/notify/request-resolved", payload, nil); err != nil {
		return err
	}
	c.logger.Info("通知已发送", zap.String("event", model.EventRequestResolved), zap.String("requestId", req.ID))
	return nil
}

// ClearCache 清除中继重放缓存中的条目
func (c *RelayClient) ClearCache(ctx context.Context, room, requestID string) error {
	path := "/clear-resolved/" + url.PathEscape(room) + "/" + url.PathEscape(requestID)
	return c.http.do(ctx, "DELETE", path, nil, nil)
}
