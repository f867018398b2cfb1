package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/supportbot/frontdesk-go/internal/middleware"
	"github.com/supportbot/frontdesk-go/internal/model"
	"github.com/supportbot/frontdesk-go/internal/service"
	"go.uber.org/zap"
)

// RequestHandler 求助请求 API 处理器
type RequestHandler struct {
	escalation *service.EscalationService
	resolution *service.ResolutionService
	ledger     *service.LedgerService
	knowledge  *service.KnowledgeService
	logger     *zap.Logger
}

// NewRequestHandler 创建求助请求 API 处理器
func NewRequestHandler(
	escalation *service.EscalationService,
	resolution *service.ResolutionService,
	ledger *service.LedgerService,
	knowledge *service.KnowledgeService,
	logger *zap.Logger,
) *RequestHandler {
	RegisterValidators()
	return &RequestHandler{
		escalation: escalation,
		resolution: resolution,
		ledger:     ledger,
		knowledge:  knowledge,
		logger:     logger,
	}
}

// RegisterRoutes 注册路由
func (h *RequestHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/api/health", h.Health)
	r.POST("/call", h.Call)
	r.GET("/pending-requests", h.PendingRequests)
	r.GET("/all-requests", h.AllRequests)
	r.POST("/resolve-request", h.ResolveRequest)
	r.GET("/learned-answers", h.LearnedAnswers)
	r.GET("/check-request/:id", h.CheckRequest)
	r.GET("/request-status/:id", h.RequestStatus)
	r.DELETE("/clear-resolved/:channel/:id", h.ClearResolved)
}

// Root 健康检查
func (h *RequestHandler) Root(c *gin.Context) {
	c.JSON(200, gin.H{"message": "Frontdesk Assistant API is running!", "status": "ok"})
}

// Health 健康检查
func (h *RequestHandler) Health(c *gin.Context) {
	pending, err := h.ledger.ListPending()
	if err != nil {
		h.logger.Error("读取账本失败", zap.Error(err))
	}
	c.JSON(200, gin.H{
		"status":           "UP",
		"service":          c.GetString(middleware.ServiceNameKey),
		"pending_requests": len(pending),
		"learned_answers":  len(h.knowledge.Learned()),
	})
}

// Call 来电提问
func (h *RequestHandler) Call(c *gin.Context) {
	var req model.CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err)
		return
	}

	resp, err := h.escalation.HandleCall(c.Request.Context(), req.Question, req.CallerInfo)
	if err != nil {
		h.logger.Error("处理来电失败", zap.String("question", req.Question), zap.Error(err))
		c.JSON(200, gin.H{
			"response": "Sorry, I'm having trouble right now. Please try again in a moment.",
			"status":   "unavailable",
		})
		return
	}

	c.JSON(200, resp)
}

// PendingRequests 待处理请求列表
func (h *RequestHandler) PendingRequests(c *gin.Context) {
	requests, err := h.ledger.ListPending()
	if err != nil {
		h.logger.Error("读取待处理请求失败", zap.Error(err))
		requests = []*model.HelpRequest{}
	}
	h.logger.Info("返回待处理请求", zap.Int("count", len(requests)))
	c.JSON(200, requests)
}

// AllRequests 全部请求列表
func (h *RequestHandler) AllRequests(c *gin.Context) {
	requests, err := h.ledger.ListAll()
	if err != nil {
		h.logger.Error("读取请求列表失败", zap.Error(err))
		requests = []*model.HelpRequest{}
	}
	c.JSON(200, requests)
}

// ResolveRequest 主管提交答案
func (h *RequestHandler) ResolveRequest(c *gin.Context) {
	var req model.ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err)
		return
	}

	_, err := h.resolution.Resolve(c.Request.Context(), req.ID, req.Answer)
	switch {
	case err == nil:
		c.JSON(200, gin.H{"message": "Request resolved successfully."})
	case errors.Is(err, service.ErrRequestNotFound):
		c.JSON(404, gin.H{"detail": "Request not found or already resolved."})
	default:
		h.logger.Error("解决请求失败", zap.String("requestId", req.ID), zap.Error(err))
		c.JSON(200, gin.H{"message": "Request could not be saved. Please try again."})
	}
}

// LearnedAnswers 已学习的答案
func (h *RequestHandler) LearnedAnswers(c *gin.Context) {
	learned := h.knowledge.Learned()
	h.logger.Info("返回已学习答案", zap.Int("count", len(learned)))
	c.JSON(200, learned)
}

// CheckRequest 查询单个请求
func (h *RequestHandler) CheckRequest(c *gin.Context) {
	req, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(200, req)
}

// RequestStatus 查询请求状态（供语音代理轮询）
func (h *RequestHandler) RequestStatus(c *gin.Context) {
	req, ok := h.lookup(c)
	if !ok {
		return
	}

	if req.Status == model.StatusResolved && req.Answer != nil {
		c.JSON(200, gin.H{"status": "resolved", "request_id": req.ID, "answer": *req.Answer})
		return
	}
	c.JSON(200, gin.H{"status": "pending", "request_id": req.ID})
}

// ClearResolved 确认答案已送达来电者
func (h *RequestHandler) ClearResolved(c *gin.Context) {
	channel := c.Param("channel")
	id := c.Param("id")

	_, err := h.resolution.AcknowledgeDelivery(channel, id)
	switch {
	case err == nil:
		c.JSON(200, gin.H{"success": true, "message": "Request acknowledged successfully"})
	case errors.Is(err, service.ErrRequestNotResolved):
		c.JSON(404, gin.H{"success": false, "error": "Request is not in 'Resolved' state"})
	case errors.Is(err, service.ErrRequestNotFound):
		c.JSON(404, gin.H{"success": false, "error": "Request not found"})
	default:
		h.logger.Error("确认送达失败", zap.String("requestId", id), zap.Error(err))
		c.JSON(200, gin.H{"success": false, "error": "Acknowledgement could not be saved"})
	}
}

func (h *RequestHandler) lookup(c *gin.Context) (*model.HelpRequest, bool) {
	id := c.Param("id")
	req, err := h.ledger.Get(id)
	if err == nil {
		return req, true
	}
	if errors.Is(err, service.ErrRequestNotFound) {
		h.logger.Warn("请求不存在", zap.String("requestId", id))
		c.JSON(404, gin.H{"detail": "Request not found"})
		return nil, false
	}
	h.logger.Error("读取请求失败", zap.String("requestId", id), zap.Error(err))
	c.JSON(404, gin.H{"detail": "Request not found"})
	return nil, false
}
