package risk

import "errors"

var (
	ErrInvalidIntent           = errors.New("invalid intent")
	ErrConstraintViolation     = errors.New("instrument constraint violated")
	ErrDailyLossExceeded       = errors.New("daily loss limit reached")
	ErrOpenPositionsExceeded   = errors.New("open positions limit reached")
	ErrPositionSizeExceeded    = errors.New("position size exceeds limit")
	ErrStrategyCapitalExceeded = errors.New("strategy capital allocation exceeded")
)
