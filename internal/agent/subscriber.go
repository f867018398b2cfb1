package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/supportbot/frontdesk-go/internal/client"
	"github.com/supportbot/frontdesk-go/internal/model"
	"github.com/supportbot/frontdesk-go/pkg/retry"
	"go.uber.org/zap"
)

var (
	ErrReconnectAbandoned = errors.New("连续重连失败，放弃重连")
	ErrEmptyQuestion      = errors.New("问题不能为空")
)

// ackTimeout 单次确认调用的超时
const ackTimeout = 10 * time.Second

// RequestAPI 求助请求服务
type RequestAPI interface {
	Call(ctx context.Context, question, callerInfo string) (*model.CallResponse, error)
	AcknowledgeDelivery(ctx context.Context, channel, requestID string) error
}

// CacheClearer 通知中继缓存清理
type CacheClearer interface {
	ClearCache(ctx context.Context, room, requestID string) error
}

// Options 订阅客户端配置
type Options struct {
	Channel              string
	WebSocketURL         string // 例如 ws://127.0.0.1:5002/ws，实际连接 <url>/<channel>
	AckDelay             time.Duration
	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
	MaxReconnectFailures int
}

type deliveryState int

type pendingAck struct {
	timer *time.Timer
}

const (
	stateNone deliveryState = iota
	stateDelivered
	stateAcknowledged
)

// Subscriber 订阅频道事件，播报已解决的答案并确认送达
type Subscriber struct {
	opts      Options
	api       RequestAPI
	relay     CacheClearer
	deliverer Deliverer
	recent    *RecentEscalations
	dialer    *websocket.Dialer

	mu     sync.Mutex
	runCtx context.Context // Run 的 ctx，确认调用随其取消
	states map[string]deliveryState
	acks   map[string]*pendingAck // 当前连接上待执行的确认
	logger *zap.Logger
}

// NewSubscriber 创建订阅客户端
func NewSubscriber(opts Options, api RequestAPI, relay CacheClearer, deliverer Deliverer, recent *RecentEscalations, logger *zap.Logger) *Subscriber {
	if opts.AckDelay <= 0 {
		opts.AckDelay = 3 * time.Second
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 5 * time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 60 * time.Second
	}
	if opts.MaxReconnectFailures <= 0 {
		opts.MaxReconnectFailures = 5
	}
	return &Subscriber{
		opts:      opts,
		api:       api,
		relay:     relay,
		deliverer: deliverer,
		recent:    recent,
		dialer:    websocket.DefaultDialer,
		states:    make(map[string]deliveryState),
		acks:      make(map[string]*pendingAck),
		logger:    logger,
	}
}

// Ask 提交问题；窗口内重复的问题直接返回上次的升级结果
func (s *Subscriber) Ask(ctx context.Context, question string) (*model.CallResponse, error) {
	q := model.NormalizeQuestion(question)
	if q == "" {
		return nil, ErrEmptyQuestion
	}

	if outcome, ok := s.recent.Lookup(q); ok {
		s.logger.Info("问题近期已升级，跳过重复请求",
			zap.String("question", q),
			zap.String("requestId", outcome.HelpRequestID))
		return outcome, nil
	}

	resp, err := s.api.Call(ctx, q, s.opts.Channel)
	if err != nil {
		return nil, fmt.Errorf("提交问题失败: %w", err)
	}
	if resp.Status == model.CallEscalated {
		s.recent.Record(q, *resp)
	}
	return resp, nil
}

// Run 保持订阅连接直到 ctx 取消；连续失败达到上限时返回 ErrReconnectAbandoned
func (s *Subscriber) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	backoff := retry.NewBackoff(s.opts.ReconnectInitial, s.opts.ReconnectMax)
	failures := 0

	for {
		connected, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if connected {
			failures = 0
			backoff.Reset()
		} else {
			failures++
		}
		if failures >= s.opts.MaxReconnectFailures {
			s.logger.Error("WebSocket 重连失败次数过多",
				zap.Int("failures", failures),
				zap.Error(err))
			return ErrReconnectAbandoned
		}

		delay := backoff.Next()
		s.logger.Warn("WebSocket 连接断开，稍后重试",
			zap.Duration("delay", delay),
			zap.Int("failures", failures),
			zap.Error(err))
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

func (s *Subscriber) channelURL() string {
	return strings.TrimRight(s.opts.WebSocketURL, "/") + "/" + url.PathEscape(s.opts.Channel)
}

// runOnce 建立一次连接并处理消息直到断开
func (s *Subscriber) runOnce(ctx context.Context) (bool, error) {
	wsURL := s.channelURL()
	s.logger.Info("连接 WebSocket", zap.String("url", wsURL))

	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	defer s.cancelPendingAcks()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.logger.Info("WebSocket 已连接", zap.String("channel", s.opts.Channel))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		s.handleMessage(ctx, conn, data)
	}
}

// handleMessage 处理中继事件
func (s *Subscriber) handleMessage(ctx context.Context, conn *websocket.Conn, data []byte) {
	var event model.NotificationEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Warn("收到非 JSON 消息", zap.ByteString("data", data))
		return
	}

	switch event.Type {
	case model.EventRequestResolved:
		s.handleResolved(ctx, event)
	case model.EventPing:
		if err := conn.WriteJSON(model.NotificationEvent{Type: model.EventPong}); err != nil {
			s.logger.Warn("回复 pong 失败", zap.Error(err))
		}
	case model.EventRequestCreated:
		s.logger.Info("求助请求已创建", zap.String("requestId", event.RequestID), zap.String("question", event.Question))
	default:
		s.logger.Debug("忽略事件", zap.String("type", event.Type))
	}
}

// handleResolved 每个请求只播报一次，确认可在重放时重新安排
func (s *Subscriber) handleResolved(ctx context.Context, event model.NotificationEvent) {
	id := event.RequestID
	if id == "" || event.Answer == "" {
		s.logger.Warn("解决事件不完整", zap.String("requestId", id))
		return
	}

	s.mu.Lock()
	switch s.states[id] {
	case stateAcknowledged:
		s.mu.Unlock()
		s.logger.Debug("请求已确认送达，忽略", zap.String("requestId", id))
		return
	case stateDelivered:
		if _, pending := s.acks[id]; !pending {
			s.scheduleAckLocked(id)
			s.logger.Info("重新安排送达确认", zap.String("requestId", id))
		}
		s.mu.Unlock()
		return
	}
	s.states[id] = stateDelivered
	s.mu.Unlock()

	s.logger.Info("播报已解决的答案", zap.String("requestId", id), zap.String("question", event.Question))
	if err := s.deliverer.Deliver(ctx, AnswerText(event.Question, event.Answer)); err != nil {
		// 播报失败也不再重复播报
		s.logger.Error("播报答案失败", zap.String("requestId", id), zap.Error(err))
	}

	s.mu.Lock()
	s.scheduleAckLocked(id)
	s.mu.Unlock()
}

// scheduleAckLocked 延迟确认，给播报留出时间
func (s *Subscriber) scheduleAckLocked(id string) {
	ack := &pendingAck{}
	s.acks[id] = ack
	ack.timer = time.AfterFunc(s.opts.AckDelay, func() { s.acknowledge(id, ack) })
}

// acknowledge 通知请求服务与中继答案已送达
func (s *Subscriber) acknowledge(id string, ack *pendingAck) {
	s.mu.Lock()
	if s.acks[id] != ack {
		s.mu.Unlock()
		return
	}
	base := s.runCtx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}

	ctx, cancel := context.WithTimeout(base, ackTimeout)
	defer cancel()

	err := s.api.AcknowledgeDelivery(ctx, s.opts.Channel, id)

	s.mu.Lock()
	if s.acks[id] == ack {
		delete(s.acks, id)
	}
	if err == nil {
		s.states[id] = stateAcknowledged
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("送达确认失败", zap.String("requestId", id), zap.Error(err))
		return
	}
	s.logger.Info("送达已确认", zap.String("requestId", id))

	if err := s.relay.ClearCache(ctx, s.opts.Channel, id); err != nil && !errors.Is(err, client.ErrNotFound) {
		s.logger.Warn("清除中继缓存失败", zap.String("requestId", id), zap.Error(err))
	}
}

// cancelPendingAcks 连接断开时取消未执行的确认，重放会重新安排
func (s *Subscriber) cancelPendingAcks() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ack := range s.acks {
		ack.timer.Stop()
		delete(s.acks, id)
	}
}

// PendingAcks 待执行的确认数
func (s *Subscriber) PendingAcks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acks)
}
