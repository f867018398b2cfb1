package model

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ChannelSession 中继上的一个 WebSocket 订阅连接
type ChannelSession struct {
	SessionID    string
	Channel      string
	Conn         *websocket.Conn
	ClientIP     string
	ConnectedAt  time.Time
	WriteTimeout time.Duration

	lastSeen  time.Time
	mu        sync.Mutex // 保护写入和 lastSeen
	closeOnce sync.Once
}

// NewChannelSession 创建订阅连接
func NewChannelSession(sessionID, channel string, conn *websocket.Conn, clientIP string, writeTimeout time.Duration) *ChannelSession {
	now := time.Now()
	return &ChannelSession{
		SessionID:    sessionID,
		Channel:      channel,
		Conn:         conn,
		ClientIP:     clientIP,
		ConnectedAt:  now,
		WriteTimeout: writeTimeout,
		lastSeen:     now,
	}
}

// ID 连接标识
func (s *ChannelSession) ID() string {
	return s.SessionID
}

// Touch 收到客户端消息时更新活跃时间
func (s *ChannelSession) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
}

// LastSeen 最近一次活跃时间
func (s *ChannelSession) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// WriteMessage 向 WebSocket 写入消息（线程安全）
func (s *ChannelSession) WriteMessage(message any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteTimeout > 0 {
		_ = s.Conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
	}
	return s.Conn.WriteJSON(message)
}

// Close 关闭连接（可重复调用）
func (s *ChannelSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.Conn.Close()
	})
	return err
}
