package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/supportbot/frontdesk-go/internal/metrics"
	"github.com/supportbot/frontdesk-go/internal/model"
	"go.uber.org/zap"
)

var ErrCacheEntryNotFound = errors.New("缓存中没有该请求")

// replayStoreTimeout 单次镜像写入的超时
const replayStoreTimeout = 2 * time.Second

// Connection 中继上的订阅连接
type Connection interface {
	ID() string
	WriteMessage(message any) error
	Close() error
}

// ReplayStore 重放缓存的外部镜像
type ReplayStore interface {
	Save(ctx context.Context, channel, requestID string, entry model.CacheEntry) error
	Delete(ctx context.Context, channel, requestID string) error
	LoadAll(ctx context.Context) (map[string]map[string]model.CacheEntry, error)
}

// HubStats 中继连接统计
type HubStats struct {
	Channels    int            `json:"active_channels"`
	Connections int            `json:"active_connections"`
	PerChannel  map[string]int `json:"channels"`
	CachedItems int            `json:"cached_requests"`
}

// HubService 通知中继：频道订阅、事件扇出、重放缓存与保活
type HubService struct {
	connections map[string]map[string]Connection      // channel -> connId -> conn
	cache       map[string]map[string]model.CacheEntry // channel -> requestId -> entry
	mu          sync.RWMutex
	fanoutMu    sync.Mutex // 串行化订阅重放与事件扇出，保证同一请求的事件顺序
	store       ReplayStore
	keepalive   time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewHubService 创建通知中继
func NewHubService(keepalive time.Duration, logger *zap.Logger) *HubService {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	return &HubService{
		connections: make(map[string]map[string]Connection),
		cache:       make(map[string]map[string]model.CacheEntry),
		keepalive:   keepalive,
		now:         time.Now,
		logger:      logger,
	}
}

// UseReplayStore 启用重放缓存镜像，并从镜像恢复缓存
func (h *HubService) UseReplayStore(ctx context.Context, store ReplayStore) error {
	restored, err := store.LoadAll(ctx)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.store = store
	count := 0
	for channel, entries := range restored {
		bucket := h.cacheBucketLocked(channel)
		for id, entry := range entries {
			bucket[id] = entry
			count++
		}
	}
	h.logger.Info("重放缓存已从镜像恢复", zap.Int("count", count))
	return nil
}

// Subscribe 注册连接，并按创建时间重放该频道缓存
func (h *HubService) Subscribe(channel string, conn Connection) int {
	h.fanoutMu.Lock()
	defer h.fanoutMu.Unlock()

	h.mu.Lock()
	conns, ok := h.connections[channel]
	if !ok {
		conns = make(map[string]Connection)
		h.connections[channel] = conns
	}
	conns[conn.ID()] = conn
	replay := h.replayEventsLocked(channel)
	h.mu.Unlock()

	metrics.ActiveConnections.Inc()
	h.logger.Info("订阅连接已注册",
		zap.String("channel", channel),
		zap.String("sessionId", conn.ID()),
		zap.Int("replay", len(replay)))

	for _, event := range replay {
		if err := conn.WriteMessage(event); err != nil {
			h.logger.Warn("重放缓存失败，移除连接",
				zap.String("channel", channel),
				zap.String("sessionId", conn.ID()),
				zap.Error(err))
			h.dropConnection(channel, conn, "publish")
			return 0
		}
	}
	return len(replay)
}

// Unsubscribe 移除连接
func (h *HubService) Unsubscribe(channel, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.removeLocked(channel, connID) {
		h.logger.Info("订阅连接已移除", zap.String("channel", channel), zap.String("sessionId", connID))
	}
}

// Publish 更新重放缓存并扇出到频道和 dashboard，返回是否至少送达一个连接
func (h *HubService) Publish(eventType, channel, requestID, question, answer string) bool {
	if eventType != model.EventRequestCreated && eventType != model.EventRequestResolved {
		h.logger.Warn("忽略未知事件类型", zap.String("event", eventType))
		return false
	}
	h.fanoutMu.Lock()
	defer h.fanoutMu.Unlock()
	now := h.now()

	h.mu.Lock()
	bucket := h.cacheBucketLocked(channel)
	entry, exists := bucket[requestID]
	switch eventType {
	case model.EventRequestCreated:
		entry = model.CacheEntry{
			Question:  question,
			Status:    model.CacheStatusPending,
			CreatedAt: now,
		}
	case model.EventRequestResolved:
		if !exists {
			// 中继重启后收到解决事件
			entry = model.CacheEntry{Question: question, CreatedAt: now}
		}
		if question != "" {
			entry.Question = question
		}
		resolvedAt := now
		entry.Status = model.CacheStatusResolved
		entry.Answer = answer
		entry.ResolvedAt = &resolvedAt
	}
	bucket[requestID] = entry

	targets := make([]target, 0)
	for _, conn := range h.connections[channel] {
		targets = append(targets, target{channel: channel, conn: conn})
	}
	if channel != model.DashboardChannel {
		for _, conn := range h.connections[model.DashboardChannel] {
			targets = append(targets, target{channel: model.DashboardChannel, conn: conn, dashboard: true})
		}
	}
	store := h.store
	h.mu.Unlock()

	if store != nil {
		h.mirror(func(ctx context.Context) error { return store.Save(ctx, channel, requestID, entry) })
	}

	event := model.NotificationEvent{
		Type:      eventType,
		RequestID: requestID,
		Question:  entry.Question,
		Answer:    answer,
		Timestamp: &now,
	}
	dashboardEvent := event
	dashboardEvent.RoomID = channel

	sent := false
	for _, t := range targets {
		msg := event
		if t.dashboard {
			msg = dashboardEvent
		}
		if err := t.conn.WriteMessage(msg); err != nil {
			h.logger.Warn("推送事件失败，移除连接",
				zap.String("channel", t.channel),
				zap.String("sessionId", t.conn.ID()),
				zap.Error(err))
			h.dropConnection(t.channel, t.conn, "publish")
			continue
		}
		sent = true
	}

	h.logger.Info("事件已发布",
		zap.String("event", eventType),
		zap.String("channel", channel),
		zap.String("requestId", requestID),
		zap.Bool("sent", sent))
	return sent
}

// Delete 从重放缓存移除条目
func (h *HubService) Delete(channel, requestID string) error {
	h.mu.Lock()
	bucket, ok := h.cache[channel]
	if !ok {
		h.mu.Unlock()
		return ErrCacheEntryNotFound
	}
	if _, ok := bucket[requestID]; !ok {
		h.mu.Unlock()
		return ErrCacheEntryNotFound
	}
	delete(bucket, requestID)
	if len(bucket) == 0 {
		delete(h.cache, channel)
	}
	store := h.store
	h.mu.Unlock()

	if store != nil {
		h.mirror(func(ctx context.Context) error { return store.Delete(ctx, channel, requestID) })
	}

	h.logger.Info("缓存条目已清除", zap.String("channel", channel), zap.String("requestId", requestID))
	return nil
}

// Snapshot 返回频道缓存副本
func (h *HubService) Snapshot(channel string) map[string]model.CacheEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]model.CacheEntry, len(h.cache[channel]))
	for id, entry := range h.cache[channel] {
		out[id] = entry
	}
	return out
}

// Stats 连接统计
func (h *HubService) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := HubStats{PerChannel: make(map[string]int, len(h.connections))}
	for channel, conns := range h.connections {
		stats.PerChannel[channel] = len(conns)
		stats.Connections += len(conns)
	}
	stats.Channels = len(h.connections)
	for _, bucket := range h.cache {
		stats.CachedItems += len(bucket)
	}
	return stats
}

// Run 周期性保活：向所有连接发送 ping，清理失败的连接，直到 ctx 取消
func (h *HubService) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.sweep()
		}
	}
}

// Close 关闭所有连接
func (h *HubService) Close() {
	h.mu.Lock()
	conns := h.connections
	h.connections = make(map[string]map[string]Connection)
	h.mu.Unlock()

	for _, byID := range conns {
		for _, conn := range byID {
			_ = conn.Close()
			metrics.ActiveConnections.Dec()
		}
	}
}

// lastSeener 能报告最近一次收到客户端消息的连接
type lastSeener interface {
	LastSeen() time.Time
}

type target struct {
	channel   string
	conn      Connection
	dashboard bool
}

// sweep 单次保活检查
func (h *HubService) sweep() {
	h.mu.Lock()
	targets := make([]target, 0)
	for channel, conns := range h.connections {
		if len(conns) == 0 {
			delete(h.connections, channel)
			continue
		}
		for _, conn := range conns {
			targets = append(targets, target{channel: channel, conn: conn})
		}
	}
	h.mu.Unlock()

	ping := model.NotificationEvent{Type: model.EventPing}
	now := h.now()
	pruned := 0
	var maxIdle time.Duration
	for _, t := range targets {
		if err := t.conn.WriteMessage(ping); err != nil {
			h.dropConnection(t.channel, t.conn, "keepalive")
			pruned++
			continue
		}
		if seen, ok := t.conn.(lastSeener); ok {
			if idle := now.Sub(seen.LastSeen()); idle > maxIdle {
				maxIdle = idle
			}
		}
	}

	stats := h.Stats()
	h.logger.Debug("保活检查完成",
		zap.Int("pinged", len(targets)),
		zap.Int("pruned", pruned),
		zap.Duration("maxIdle", maxIdle),
		zap.Int("activeChannels", stats.Channels))
}

// dropConnection 移除并关闭发送失败的连接
func (h *HubService) dropConnection(channel string, conn Connection, reason string) {
	h.mu.Lock()
	removed := h.removeLocked(channel, conn.ID())
	h.mu.Unlock()

	if removed {
		_ = conn.Close()
		metrics.PrunedConnections.WithLabelValues(reason).Inc()
		h.logger.Info("清理无效连接",
			zap.String("channel", channel),
			zap.String("sessionId", conn.ID()),
			zap.String("reason", reason))
	}
}

func (h *HubService) removeLocked(channel, connID string) bool {
	conns, ok := h.connections[channel]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(h.connections, channel)
	}
	metrics.ActiveConnections.Dec()
	return true
}

func (h *HubService) cacheBucketLocked(channel string) map[string]model.CacheEntry {
	bucket, ok := h.cache[channel]
	if !ok {
		bucket = make(map[string]model.CacheEntry)
		h.cache[channel] = bucket
	}
	return bucket
}

// replayEventsLocked 按创建时间排序的重放事件
func (h *HubService) replayEventsLocked(channel string) []model.NotificationEvent {
	type item struct {
		id    string
		entry model.CacheEntry
	}
	items := make([]item, 0, len(h.cache[channel]))
	for id, entry := range h.cache[channel] {
		items = append(items, item{id: id, entry: entry})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].entry.CreatedAt.Equal(items[j].entry.CreatedAt) {
			return items[i].id < items[j].id
		}
		return items[i].entry.CreatedAt.Before(items[j].entry.CreatedAt)
	})

	now := h.now()
	events := make([]model.NotificationEvent, 0, len(items))
	for _, it := range items {
		event := model.NotificationEvent{
			RequestID: it.id,
			Question:  it.entry.Question,
			Timestamp: &now,
		}
		if it.entry.Status == model.CacheStatusResolved {
			event.Type = model.EventRequestResolved
			event.Answer = it.entry.Answer
		} else {
			event.Type = model.EventRequestCreated
		}
		events = append(events, event)
	}
	return events
}

// mirror 写入镜像，失败只记录日志
func (h *HubService) mirror(op func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), replayStoreTimeout)
	defer cancel()
	if err := op(ctx); err != nil {
		h.logger.Warn("重放缓存镜像写入失败", zap.Error(err))
	}
}
