package agent

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/supportbot/frontdesk-go/internal/model"
)

// MatchPolicy 判断新问题是否与已升级的问题重复（参数均已规范化）
type MatchPolicy func(candidate, escalated string) bool

// ContainmentMatch 相等或互相包含即视为重复
func ContainmentMatch(candidate, escalated string) bool {
	return candidate == escalated ||
		strings.Contains(candidate, escalated) ||
		strings.Contains(escalated, candidate)
}

// ExactMatch 只有完全相同才视为重复
func ExactMatch(candidate, escalated string) bool {
	return candidate == escalated
}

// ParseMatchPolicy 按名称选择匹配策略
func ParseMatchPolicy(name string) (MatchPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "containment":
		return ContainmentMatch, nil
	case "exact":
		return ExactMatch, nil
	default:
		return nil, fmt.Errorf("未知的匹配策略: %s", name)
	}
}

type recentEntry struct {
	at      time.Time
	outcome model.CallResponse
}

// RecentEscalations 时间窗口内已升级的问题，用于去重
type RecentEscalations struct {
	window  time.Duration
	match   MatchPolicy
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]recentEntry
}

// NewRecentEscalations 创建去重记录
func NewRecentEscalations(window time.Duration, match MatchPolicy) *RecentEscalations {
	if match == nil {
		match = ContainmentMatch
	}
	return &RecentEscalations{
		window:  window,
		match:   match,
		now:     time.Now,
		entries: make(map[string]recentEntry),
	}
}

// Lookup 查找窗口内匹配的升级结果
func (r *RecentEscalations) Lookup(question string) (*model.CallResponse, bool) {
	q := model.NormalizeQuestion(question)
	if q == "" {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for escalated, entry := range r.entries {
		if now.Sub(entry.at) > r.window {
			delete(r.entries, escalated)
		}
	}

	for escalated, entry := range r.entries {
		if r.match(q, escalated) {
			outcome := entry.outcome
			return &outcome, true
		}
	}
	return nil, false
}

// Record 记录一次升级
func (r *RecentEscalations) Record(question string, outcome model.CallResponse) {
	q := model.NormalizeQuestion(question)
	if q == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[q] = recentEntry{at: r.now(), outcome: outcome}
}

// Len 当前记录数
func (r *RecentEscalations) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
