package engine

import (
	"fmt"
	"runtime/debug"
	"time"

	"algo-trader-go/internal/types"
	"algo-trader-go/strategy"
)

type invokeResult struct {
	intents []types.Intent
	err     error
}

// invoke 在独立 goroutine 中调用策略函数，超时返回 ErrStrategyTimeout，panic 转为 ErrStrategyPanic。
// 超时后该 goroutine 会继续运行直到函数返回，结果被丢弃。
func invoke(timeout time.Duration, fn strategy.Func, c types.Candle, st strategy.State) ([]types.Intent, error) {
	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("%w: %v\n%s", ErrStrategyPanic, r, debug.Stack())}
			}
		}()
		intents, err := fn(c, st)
		done <- invokeResult{intents: intents, err: err}
	}()

	if timeout <= 0 {
		res := <-done
		return res.intents, res.err
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case res := <-done:
		return res.intents, res.err
	case <-t.C:
		return nil, fmt.Errorf("%w after %s", ErrStrategyTimeout, timeout)
	}
}
