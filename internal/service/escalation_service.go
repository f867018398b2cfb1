package service

import (
	"context"
	"time"

	"github.com/supportbot/frontdesk-go/internal/metrics"
	"github.com/supportbot/frontdesk-go/internal/model"
	"go.uber.org/zap"
)

// EscalatedResponse 升级给人工时回复来电者的话术
const EscalatedResponse = "Let me check with my supervisor and get back to you."

// Notifier 向通知中继推送请求生命周期事件
type Notifier interface {
	RequestCreated(ctx context.Context, req *model.HelpRequest) error
	RequestResolved(ctx context.Context, req *model.HelpRequest) error
}

// EscalationService 来电问题处理：知识库命中直接回答，否则升级给人工
type EscalationService struct {
	knowledge     *KnowledgeService
	ledger        *LedgerService
	notifier      Notifier
	notifyTimeout time.Duration
	logger        *zap.Logger
}

// NewEscalationService 创建升级服务
func NewEscalationService(knowledge *KnowledgeService, ledger *LedgerService, notifier Notifier, notifyTimeout time.Duration, logger *zap.Logger) *EscalationService {
	return &EscalationService{
		knowledge:     knowledge,
		ledger:        ledger,
		notifier:      notifier,
		notifyTimeout: notifyTimeout,
		logger:        logger,
	}
}

// HandleCall 处理来电问题
func (s *EscalationService) HandleCall(ctx context.Context, question, callerInfo string) (*model.CallResponse, error) {
	q := model.NormalizeQuestion(question)
	s.logger.Info("收到来电问题", zap.String("callerInfo", callerInfo), zap.String("question", q))

	if answer, tier, ok := s.knowledge.Lookup(q); ok {
		metrics.EscalationsTotal.WithLabelValues(model.CallAnswered).Inc()
		s.logger.Info("知识库命中", zap.String("tier", string(tier)), zap.String("question", q))
		return &model.CallResponse{Response: answer, Status: model.CallAnswered}, nil
	}

	req, err := s.ledger.Create(q, callerInfo)
	if err != nil {
		return nil, err
	}
	metrics.EscalationsTotal.WithLabelValues(model.CallEscalated).Inc()

	// 通知失败不影响已创建的请求
	sendNotification(ctx, s.notifyTimeout, s.logger, model.EventRequestCreated, req, s.notifier.RequestCreated)

	return &model.CallResponse{
		Response:      EscalatedResponse,
		Status:        model.CallEscalated,
		HelpRequestID: req.ID,
	}, nil
}

// sendNotification 尽力推送通知，带超时且与调用方请求的取消解耦
func sendNotification(ctx context.Context, timeout time.Duration, logger *zap.Logger, event string, req *model.HelpRequest, send func(context.Context, *model.HelpRequest) error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := send(ctx, req); err != nil {
		metrics.NotificationsTotal.WithLabelValues(event, "failed").Inc()
		logger.Error("推送通知失败",
			zap.String("event", event),
			zap.String("requestId", req.ID),
			zap.String("channel", req.Channel),
			zap.Error(err))
		return
	}
	metrics.NotificationsTotal.WithLabelValues(event, "sent").Inc()
}
