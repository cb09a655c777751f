package bridge

import (
	"errors"
	"fmt"
	"sync"
)

// State 通道生命周期
type State int

const (
	StateUninitialized State = iota
	StateEstablished
	StateActive
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateEstablished:
		return "channel-established"
	case StateActive:
		return "active"
	case StateTornDown:
		return "torn-down"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var ErrBadState = errors.New("illegal state transition")

type stateMachine struct {
	mu sync.Mutex
	s  State
}

func (m *stateMachine) get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s
}

// to 只允许 未初始化→已建立→活动，以及任意状态→拆除
func (m *stateMachine) to(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok := next == StateTornDown && m.s != StateTornDown ||
		next == m.s+1 && next != StateTornDown
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrBadState, m.s, next)
	}
	m.s = next
	return nil
}
