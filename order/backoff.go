package order

import (
	"math/rand"
	"time"
)

// RetryPolicy 下单遇到传输错误时的重试策略。
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts"` // 包含首次
	Initial        time.Duration `yaml:"initial"`
	Max            time.Duration `yaml:"max"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         float64       `yaml:"jitter"`          // 0~1
	MaxElapsed     time.Duration `yaml:"max_elapsed"`     // 从首次尝试起的总预算
	AttemptTimeout time.Duration `yaml:"attempt_timeout"` // 单次调用超时
}

// DefaultRetryPolicy 3 次尝试，200ms 起步翻倍，单次不超过 2s，总预算 10s。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		Initial:        200 * time.Millisecond,
		Max:            2 * time.Second,
		Multiplier:     2,
		Jitter:         0.1,
		MaxElapsed:     10 * time.Second,
		AttemptTimeout: 5 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Multiplier <= 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = d.MaxElapsed
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	return p
}

// Next 第 attempt 次失败后的等待时间（attempt 从 1 开始）。
func (p RetryPolicy) Next(attempt int) time.Duration {
	p = p.normalized()
	if attempt <= 0 {
		attempt = 1
	}
	wait := p.Initial
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * p.Multiplier)
		if next > p.Max {
			wait = p.Max
			break
		}
		wait = next
	}
	if p.Jitter == 0 {
		return wait
	}
	delta := float64(wait) * p.Jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}
