package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter 控制请求速率，避免触发券商限流。*rate.Limiter 实现了它。
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// NewRateLimiter 每秒 rps 个请求、突发 burst 的令牌桶。
func NewRateLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
