package engine

import "errors"

var (
	ErrUnknownRun       = errors.New("unknown strategy run")
	ErrUnknownStrategy  = errors.New("unknown strategy")
	ErrUnknownAccount   = errors.New("unknown account")
	ErrInvalidRun       = errors.New("invalid run request")
	ErrEngineNotRunning = errors.New("engine not running")

	// 策略故障：超时或 panic，对应的 run 进入 error 状态
	ErrStrategyTimeout = errors.New("strategy invocation timed out")
	ErrStrategyPanic   = errors.New("strategy panicked")
)
