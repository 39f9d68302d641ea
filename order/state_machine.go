package order

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机
type StateMachine struct {
	transitions map[StateTransition]bool
	mu          sync.RWMutex
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	sm.initializeTransitions()
	return sm
}

// initializeTransitions 初始化所有合法的状态转换
func (sm *StateMachine) initializeTransitions() {
	legalTransitions := []StateTransition{
		// PENDING 只能先提交；同步拒单、重试耗尽、提交前撤单分别进入终态
		{StatusPending, StatusSubmitted},
		{StatusPending, StatusRejected},
		{StatusPending, StatusCancelled},

		{StatusSubmitted, StatusPartiallyFilled},
		{StatusSubmitted, StatusFilled},
		{StatusSubmitted, StatusRejected},
		{StatusSubmitted, StatusCancelled},

		{StatusPartiallyFilled, StatusPartiallyFilled}, // 多次部分成交
		{StatusPartiallyFilled, StatusFilled},
		{StatusPartiallyFilled, StatusCancelled},

		// 终态不能转换（FILLED, REJECTED, CANCELLED）
	}

	for _, t := range legalTransitions {
		sm.transitions[t] = true
	}
}

// ValidateTransition 验证状态转换是否合法
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	// 非终态的相同状态允许（幂等性）
	if from == to && !sm.IsFinalState(from) {
		return nil
	}

	transition := StateTransition{From: from, To: to}
	if !sm.transitions[transition] {
		allowed := "none"
		if next := sm.allowedLocked(from); len(next) > 0 {
			names := make([]string, len(next))
			for i, s := range next {
				names[i] = string(s)
			}
			allowed = strings.Join(names, ", ")
		}
		return fmt.Errorf("illegal state transition: %s -> %s (allowed: %s)", from, to, allowed)
	}

	return nil
}

// AllowedTransitions 返回当前状态所有合法的目标状态，按名称排序
func (sm *StateMachine) AllowedTransitions(current Status) []Status {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.allowedLocked(current)
}

func (sm *StateMachine) allowedLocked(current Status) []Status {
	allowed := make([]Status, 0)
	for transition := range sm.transitions {
		if transition.From == current && transition.To != current {
			allowed = append(allowed, transition.To)
		}
	}
	sort.Slice(allowed, func(i, j int) bool { return allowed[i] < allowed[j] })
	return allowed
}

// IsFinalState 判断是否是终态
func (sm *StateMachine) IsFinalState(status Status) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// AcceptsBrokerUpdates 只有已提交或部分成交的订单接受券商回报
func (sm *StateMachine) AcceptsBrokerUpdates(status Status) bool {
	return status == StatusSubmitted || status == StatusPartiallyFilled
}

// CanCancel 判断当前状态下是否可以撤单
func (sm *StateMachine) CanCancel(status Status) bool {
	switch status {
	case StatusPending, StatusSubmitted:
		return true
	default:
		return false
	}
}

// GetStateDescription 获取状态描述
func (sm *StateMachine) GetStateDescription(status Status) string {
	descriptions := map[Status]string{
		StatusPending:         "订单待提交",
		StatusSubmitted:       "订单已提交",
		StatusPartiallyFilled: "订单部分成交",
		StatusFilled:          "订单完全成交",
		StatusCancelled:       "订单已撤销",
		StatusRejected:        "订单被拒绝",
	}

	if desc, ok := descriptions[status]; ok {
		return desc
	}
	return "未知状态"
}
