package retry

import (
	"context"
	"math"
	"time"
)

// Backoff 指数退避计算器（非并发安全，由单个重连循环持有）
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	current time.Duration
}

// NewBackoff 创建指数退避计算器
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{Initial: initial, Max: max, Multiplier: 2.0}
}

// Next 返回下一次等待时长，并推进内部状态
func (b *Backoff) Next() time.Duration {
	if b.Multiplier == 0 {
		b.Multiplier = 2.0
	}
	if b.current == 0 {
		b.current = b.Initial
	} else {
		b.current = time.Duration(math.Min(float64(b.Max), float64(b.current)*b.Multiplier))
	}
	if b.Max > 0 && b.current > b.Max {
		b.current = b.Max
	}
	return b.current
}

// Reset 连接成功后重置为初始延迟
func (b *Backoff) Reset() {
	b.current = 0
}

// Sleep 等待指定时长，ctx 取消时提前返回
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
