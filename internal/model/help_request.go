package model

import (
	"strings"
	"time"
)

// RequestStatus 求助请求状态
type RequestStatus string

const (
	StatusPending  RequestStatus = "Pending"
	StatusResolved RequestStatus = "Resolved"
)

// DefaultCallerInfo 未提供来电信息时使用
const DefaultCallerInfo = "Unknown Caller"

// HelpRequest 升级给人工的求助请求
type HelpRequest struct {
	ID          string        `json:"id"`
	Question    string        `json:"question"`
	Channel     string        `json:"channel"`
	CallerInfo  string        `json:"caller_info,omitempty"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	ResolvedAt  *time.Time    `json:"resolved_at"`
	Answer      *string       `json:"answer"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
}

// IsPending 是否仍在等待人工回答
func (r *HelpRequest) IsPending() bool {
	return r.Status == StatusPending
}

// Clone 返回深拷贝，避免调用方修改账本内部状态
func (r *HelpRequest) Clone() *HelpRequest {
	c := *r
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	if r.Answer != nil {
		a := *r.Answer
		c.Answer = &a
	}
	if r.DeliveredAt != nil {
		t := *r.DeliveredAt
		c.DeliveredAt = &t
	}
	return &c
}

// NormalizeQuestion 去除首尾空白并转小写
func NormalizeQuestion(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// ChannelFromCaller 从 "room#caller" 形式的来电信息中取出频道
func ChannelFromCaller(callerInfo string) string {
	callerInfo = strings.TrimSpace(callerInfo)
	if callerInfo == "" {
		return DefaultCallerInfo
	}
	if i := strings.Index(callerInfo, "#"); i >= 0 {
		if ch := strings.TrimSpace(callerInfo[:i]); ch != "" {
			return ch
		}
		return DefaultCallerInfo
	}
	return callerInfo
}
