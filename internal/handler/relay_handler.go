package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/supportbot/frontdesk-go/internal/metrics"
	"github.com/supportbot/frontdesk-go/internal/middleware"
	"github.com/supportbot/frontdesk-go/internal/model"
	"github.com/supportbot/frontdesk-go/internal/service"
	"go.uber.org/zap"
)

// RelayHandler 通知中继 HTTP 处理器
type RelayHandler struct {
	hub    *service.HubService
	logger *zap.Logger
}

// NewRelayHandler 创建通知中继处理器
func NewRelayHandler(hub *service.HubService, logger *zap.Logger) *RelayHandler {
	RegisterValidators()
	return &RelayHandler{hub: hub, logger: logger}
}

// RegisterRoutes 注册路由
func (h *RelayHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/api/health", h.Health)
	r.POST("/notify/request-created", h.NotifyCreated)
	r.POST("/notify/request-resolved", h.NotifyResolved)
	r.GET("/pending-requests/:room_id", h.PendingRequests)
	r.DELETE("/clear-resolved/:room_id/:request_id", h.ClearResolved)
}

// Root 健康检查
func (h *RelayHandler) Root(c *gin.Context) {
	stats := h.hub.Stats()
	c.JSON(200, gin.H{
		"status":             "ok",
		"message":            "Notification service is running",
		"active_connections": stats.Connections,
		"active_channels":    stats.Channels,
	})
}

// Health 连接统计
func (h *RelayHandler) Health(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":  "UP",
		"service": c.GetString(middleware.ServiceNameKey),
		"hub":     h.hub.Stats(),
	})
}

// NotifyCreated 新请求通知
func (h *RelayHandler) NotifyCreated(c *gin.Context) {
	var req model.NotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err)
		return
	}

	h.logger.Info("收到新请求通知",
		zap.String("roomId", req.RoomID),
		zap.String("requestId", req.RequestID),
		zap.String("question", req.Question))

	sent := h.hub.Publish(model.EventRequestCreated, req.RoomID, req.RequestID, req.Question, "")
	h.count(model.EventRequestCreated, sent)

	message := "No active connections, notification stored"
	if sent {
		message = "Request created notification sent"
	}
	c.JSON(200, gin.H{"status": "ok", "message": message})
}

// NotifyResolved 请求已解决通知
func (h *RelayHandler) NotifyResolved(c *gin.Context) {
	var req model.NotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err)
		return
	}

	h.logger.Info("收到请求解决通知",
		zap.String("roomId", req.RoomID),
		zap.String("requestId", req.RequestID),
		zap.String("answer", req.Answer))

	sent := h.hub.Publish(model.EventRequestResolved, req.RoomID, req.RequestID, req.Question, req.Answer)
	h.count(model.EventRequestResolved, sent)

	message := "No active connections for this room, notification stored"
	if sent {
		message = "Notification sent successfully"
	}
	c.JSON(200, gin.H{"status": "ok", "message": message})
}

// PendingRequests 频道缓存快照
func (h *RelayHandler) PendingRequests(c *gin.Context) {
	c.JSON(200, h.hub.Snapshot(c.Param("room_id")))
}

// ClearResolved 清除已送达的缓存条目
func (h *RelayHandler) ClearResolved(c *gin.Context) {
	roomID := c.Param("room_id")
	requestID := c.Param("request_id")

	if err := h.hub.Delete(roomID, requestID); err != nil {
		if errors.Is(err, service.ErrCacheEntryNotFound) {
			c.JSON(404, gin.H{"detail": "Request not found"})
			return
		}
		h.logger.Error("清除缓存失败", zap.Error(err))
	}
	c.JSON(200, gin.H{"status": "ok", "message": "Request cleared"})
}

func (h *RelayHandler) count(event string, sent bool) {
	result := "stored"
	if sent {
		result = "sent"
	}
	metrics.NotificationsTotal.WithLabelValues(event, result).Inc()
}
