package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/supportbot/frontdesk-go/internal/model"
	"github.com/supportbot/frontdesk-go/internal/service"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler 订阅连接处理器
type WebSocketHandler struct {
	hub          *service.HubService
	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewWebSocketHandler 创建订阅连接处理器
func NewWebSocketHandler(hub *service.HubService, writeTimeout time.Duration, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:          hub,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// HandleWebSocket WebSocket 连接入口 GET /ws/:channel
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	channel := c.Param("channel")
	if channel == "" {
		c.JSON(400, gin.H{"error": "channel is required"})
		return
	}

	// 升级为 WebSocket 连接
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket 升级失败", zap.Error(err))
		return
	}

	session := model.NewChannelSession(uuid.New().String(), channel, conn, c.ClientIP(), h.writeTimeout)
	defer session.Close()

	h.logger.Info("WebSocket 连接建立",
		zap.String("channel", channel),
		zap.String("sessionId", session.SessionID),
		zap.String("clientIp", session.ClientIP))

	h.hub.Subscribe(channel, session)
	defer h.hub.Unsubscribe(channel, session.SessionID)

	// 消息循环
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket 读取错误", zap.String("channel", channel), zap.Error(err))
			}
			break
		}
		session.Touch()
		h.handleMessage(session, data)
	}

	h.logger.Info("WebSocket 连接断开",
		zap.String("channel", channel),
		zap.String("sessionId", session.SessionID))
}

// handleMessage 处理客户端消息
func (h *WebSocketHandler) handleMessage(session *model.ChannelSession, data []byte) {
	var msg model.NotificationEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("收到非 JSON 消息",
			zap.String("channel", session.Channel),
			zap.ByteString("data", data))
		return
	}

	switch msg.Type {
	case model.EventPing:
		if err := session.WriteMessage(model.NotificationEvent{Type: model.EventPong}); err != nil {
			h.logger.Warn("回复 pong 失败", zap.String("sessionId", session.SessionID), zap.Error(err))
		}
		h.logger.Debug("收到心跳", zap.String("channel", session.Channel))

	case model.EventPong:
		h.logger.Debug("收到 pong", zap.String("channel", session.Channel))

	default:
		h.logger.Warn("未知消息类型",
			zap.String("channel", session.Channel),
			zap.String("type", msg.Type))
	}
}
