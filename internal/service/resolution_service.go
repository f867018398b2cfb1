package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/supportbot/frontdesk-go/internal/metrics"
	"github.com/supportbot/frontdesk-go/internal/model"
	"go.uber.org/zap"
)

// ResolutionService 人工回答流程：写账本 → 学习 → 通知
type ResolutionService struct {
	knowledge     *KnowledgeService
	ledger        *LedgerService
	notifier      Notifier
	notifyTimeout time.Duration
	logger        *zap.Logger
}

// NewResolutionService 创建解决流程服务
func NewResolutionService(knowledge *KnowledgeService, ledger *LedgerService, notifier Notifier, notifyTimeout time.Duration, logger *zap.Logger) *ResolutionService {
	return &ResolutionService{
		knowledge:     knowledge,
		ledger:        ledger,
		notifier:      notifier,
		notifyTimeout: notifyTimeout,
		logger:        logger,
	}
}

// Resolve 解决请求；只有账本错误会返回给调用方
func (s *ResolutionService) Resolve(ctx context.Context, id, answer string) (*model.HelpRequest, error) {
	id = strings.TrimSpace(id)
	answer = strings.TrimSpace(answer)

	req, err := s.ledger.Resolve(id, answer)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			metrics.ResolutionsTotal.WithLabelValues("not_found").Inc()
			s.logger.Warn("请求不存在或已解决", zap.String("requestId", id))
		}
		return nil, err
	}
	metrics.ResolutionsTotal.WithLabelValues("resolved").Inc()

	if err := s.knowledge.Learn(req.Question, answer); err != nil {
		s.logger.Error("学习答案失败", zap.String("requestId", id), zap.Error(err))
	}

	sendNotification(ctx, s.notifyTimeout, s.logger, model.EventRequestResolved, req, s.notifier.RequestResolved)

	s.logger.Info("回访来电者",
		zap.String("requestId", id),
		zap.String("question", req.Question),
		zap.String("answer", answer))
	return req, nil
}

// AcknowledgeDelivery 记录答案已送达来电者
func (s *ResolutionService) AcknowledgeDelivery(channel, id string) (*model.HelpRequest, error) {
	return s.ledger.AcknowledgeDelivery(channel, id)
}
