package client

import (
	"context"
	"net/url"
	"time"

	"github.com/supportbot/frontdesk-go/internal/model"
	"go.uber.org/zap"
)

// APIClient 求助请求服务客户端
type APIClient struct {
	http   jsonClient
	logger *zap.Logger
}

// NewAPIClient 创建求助请求服务客户端
func NewAPIClient(baseURL string, timeout time.Duration, logger *zap.Logger) *APIClient {
	return &APIClient{
		http:   newJSONClient(baseURL, timeout),
		logger: logger,
	}
}

// Call 提交来电问题
func (c *APIClient) Call(ctx context.Context, question, callerInfo string) (*model.CallResponse, error) {
	var resp model.CallResponse
	in := model.CallRequest{Question: question, CallerInfo: callerInfo}
	if err := c.http.do(ctx, "POST", "/call", in, &resp); err != nil {
		return nil, err
	}
	c.logger.Debug("来电问题已提交", zap.String("status", resp.Status), zap.String("requestId", resp.HelpRequestID))
	return &resp, nil
}

// AcknowledgeDelivery 确认答案已送达
func (c *APIClient) AcknowledgeDelivery(ctx context.Context, channel, requestID string) error {
	path := "/clear-resolved/" + url.PathEscape(channel) + "/" + url.PathEscape(requestID)
	return c.http.do(ctx, "DELETE", path, nil, nil)
}
