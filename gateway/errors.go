package gateway

import (
	"errors"
	"fmt"
)

// Kind 失败类型。
type Kind string

const (
	KindTransport Kind = "transport"
	KindAuth      Kind = "auth"
	KindRejected  Kind = "rejected"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrUnsupportedVenue = errors.New("unsupported venue")
	ErrUnknownAccount   = errors.New("unknown broker account")
)

// Error 券商调用的类型化失败。
type Error struct {
	Kind   Kind
	Venue  string
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s %s (status %d): %v", e.Venue, e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Venue, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, venue, op string, status int, err error) *Error {
	return &Error{Kind: kind, Venue: venue, Op: op, Status: status, Err: err}
}

func isKind(err error, kind Kind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

// IsTransport 网络、超时、5xx 等可重试的失败。
func IsTransport(err error) bool { return isKind(err, KindTransport) }

// IsAuth 鉴权失败。
func IsAuth(err error) bool { return isKind(err, KindAuth) }

// IsRejected 券商拒绝了非下单类请求（例如撤单时订单已完成）。
func IsRejected(err error) bool { return isKind(err, KindRejected) }
