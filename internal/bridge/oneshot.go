package bridge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var ErrTokenConsumed = errors.New("one-shot token unknown or already consumed")

// OneShot 以随机令牌登记的一次性回调表
//
// 直接注入被页面策略阻止时，内容桥在这里登记回调，页面环境凭令牌领取。
// 令牌只能领取一次，回调失败或 panic 时条目同样已被移除。
type OneShot struct {
	mu sync.Mutex
	m  map[string]func() (any, error)
}

// NewOneShot 创建登记表
func NewOneShot() *OneShot {
	return &OneShot{m: make(map[string]func() (any, error))}
}

// Register 登记回调并返回令牌
func (o *OneShot) Register(fn func() (any, error)) string {
	token := "vm" + uuid.NewString()
	o.mu.Lock()
	o.m[token] = fn
	o.mu.Unlock()
	return token
}

// Claim 领取并执行回调
func (o *OneShot) Claim(token string) (v any, err error) {
	o.mu.Lock()
	fn, ok := o.m[token]
	delete(o.m, token)
	o.mu.Unlock()
	if !ok {
		return nil, ErrTokenConsumed
	}
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("one-shot callback panic: %v", r)
		}
	}()
	return fn()
}

// Revoke 移除未领取的令牌
func (o *OneShot) Revoke(token string) {
	o.mu.Lock()
	delete(o.m, token)
	o.mu.Unlock()
}

// Len 未领取的令牌数
func (o *OneShot) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.m)
}
