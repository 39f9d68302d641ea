package order

import (
	"errors"
	"fmt"

	"algo-trader-go/risk"
)

var (
	ErrUnknownOrder    = errors.New("unknown order")
	ErrDuplicateIntent = errors.New("duplicate intent")
	ErrNotCancellable  = errors.New("order not cancellable")
	ErrNotSubmitted    = errors.New("order not submitted")
	ErrNoBroker        = errors.New("no broker for account")
	ErrRiskDenied      = errors.New("risk denied")
)

// DeniedError 风控拒绝，携带决策详情。
type DeniedError struct {
	Decision risk.Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrRiskDenied, e.Decision.Rule, e.Decision.Message)
}

func (e *DeniedError) Unwrap() error { return ErrRiskDenied }
