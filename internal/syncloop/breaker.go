package syncloop

import (
	"sync"
	"time"
)

// BreakerState 为熔断器状态，数值与 fairfy_breaker_state 指标一致。
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig 描述熔断器参数。
type BreakerConfig struct {
	// FailureThreshold 连续失败多少轮后打开。
	FailureThreshold int
	// Cooldown 打开后多久进入半开。
	Cooldown time.Duration
	// MaxTrips 打开次数上限，0 表示不限。
	MaxTrips int
}

// Breaker 按轮统计投递失败：Closed 连续失败 N 轮后 Open，冷却后 HalfOpen，
// HalfOpen 成功一轮回到 Closed，失败则再次 Open。
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	state    BreakerState
	failures int
	trips    int
	openedAt time.Time
	now      func() time.Time
}

// NewBreaker 构造熔断器，now 为 nil 时使用 time.Now。
func NewBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{cfg: cfg, now: now}
}

// Wait 返回仍需等待的冷却时间。冷却结束时转为 HalfOpen 并返回 0。
func (b *Breaker) Wait() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return 0
	}
	remaining := b.cfg.Cooldown - b.now().Sub(b.openedAt)
	if remaining > 0 {
		return remaining
	}
	b.state = BreakerHalfOpen
	return 0
}

// Success 记录一轮成功投递。
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
}

// Failure 记录一轮投递失败，返回本次是否使熔断器打开。
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		b.open()
		return true
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.open()
		return true
	}
	return false
}

func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = 0
	b.trips++
}

// Exhausted 表示打开次数已达上限。
func (b *Breaker) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.MaxTrips > 0 && b.trips >= b.cfg.MaxTrips
}

// State 返回当前状态。
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Trips 返回累计打开次数。
func (b *Breaker) Trips() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}
