package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter - token bucket для запросов к REST API биржи
//
// Ведро ёмкостью burst пополняется со скоростью rate токенов/сек,
// каждый запрос забирает один токен. Wait ждёт токен с учётом ctx,
// Allow забирает токен без ожидания.
//
// Использование:
//
//	limiter := ratelimit.NewRateLimiter(10, 20)
//	if err := limiter.Wait(ctx); err != nil {
//	    return err
//	}
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter создаёт limiter с полным ведром
//
// rate <= 0 заменяется на 10 req/sec, burst < rate поднимается до rate.
func NewRateLimiter(rate, burst float64) *RateLimiter {
	if rate <= 0 {
		rate = 10
	}
	if burst < rate {
		burst = rate
	}
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// take пытается забрать токен; при неудаче возвращает время до следующего
// вызывается под mu
func (rl *RateLimiter) take() (bool, time.Duration) {
	now := rl.now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.lastRefill = now

	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}

	if rl.tokens >= 1 {
		rl.tokens--
		return true, 0
	}
	return false, time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
}

// Wait блокирует до получения токена или отмены контекста
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		ok, wait := rl.take()
		rl.mu.Unlock()
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Allow забирает токен без ожидания
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	ok, _ := rl.take()
	return ok
}

// Tokens возвращает текущее количество токенов (для метрик и тестов)
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.tokens
}

// ============================================================
// MultiLimiter - отдельные вёдра по категориям запросов
// ============================================================

// MultiLimiter хранит limiter на категорию (например, "trade" и "query").
// Неизвестная категория не ограничивается.
type MultiLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*RateLimiter
}

func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{limiters: make(map[string]*RateLimiter)}
}

// Add регистрирует категорию
func (ml *MultiLimiter) Add(category string, rate, burst float64) {
	ml.mu.Lock()
	ml.limiters[category] = NewRateLimiter(rate, burst)
	ml.mu.Unlock()
}

// Wait ждёт токен в указанной категории
func (ml *MultiLimiter) Wait(ctx context.Context, category string) error {
	ml.mu.RLock()
	rl, ok := ml.limiters[category]
	ml.mu.RUnlock()
	if !ok {
		return nil
	}
	return rl.Wait(ctx)
}
