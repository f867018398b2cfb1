package model

import "time"

// 通知事件类型
const (
	EventRequestCreated  = "request_created"
	EventRequestResolved = "request_resolved"
	EventPing            = "ping"
	EventPong            = "pong"
)

// DashboardChannel 接收所有频道事件副本的特殊频道
const DashboardChannel = "dashboard"

// 中继缓存条目状态
const (
	CacheStatusPending  = "pending"
	CacheStatusResolved = "resolved"
)

// NotificationEvent 中继推送给订阅者的事件
type NotificationEvent struct {
	Type      string     `json:"type"`
	RequestID string     `json:"request_id,omitempty"`
	Question  string     `json:"question,omitempty"`
	Answer    string     `json:"answer,omitempty"`
	RoomID    string     `json:"room_id,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// CacheEntry 中继重放缓存条目
type CacheEntry struct {
	Question   string     `json:"question"`
	Status     string     `json:"status"`
	Answer     string     `json:"answer,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// CallRequest 来电提问
type CallRequest struct {
	Question   string `json:"question" binding:"notblank"`
	CallerInfo string `json:"caller_info"`
}

// CallResponse 来电提问结果
type CallResponse struct {
	Response      string `json:"response"`
	Status        string `json:"status"` // answered, escalated
	HelpRequestID string `json:"help_request_id,omitempty"`
}

// 来电结果状态
const (
	CallAnswered  = "answered"
	CallEscalated = "escalated"
)

// ResolveRequest 人工回答
type ResolveRequest struct {
	ID     string `json:"id" binding:"notblank"`
	Answer string `json:"answer" binding:"notblank"`
}

// NotifyRequest 服务间通知
type NotifyRequest struct {
	RoomID    string `json:"room_id" binding:"notblank"`
	RequestID string `json:"request_id" binding:"notblank"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	Status    string `json:"status"`
}
