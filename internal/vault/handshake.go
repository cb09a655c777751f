package vault

import (
	"errors"
	"sync"

	"github.com/dop251/goja"
	"github.com/google/uuid"
)

// Token 一次性握手槽位的随机名称
type Token string

var ErrUnknownToken = errors.New("handshake token unknown or already consumed")

// Handshake 父环境向子环境转交 Vault 的一次性登记表
type Handshake struct {
	mu    sync.Mutex
	slots map[Token]*Vault
}

// NewHandshake 创建登记表
func NewHandshake() *Handshake {
	return &Handshake{slots: make(map[Token]*Vault)}
}

// Export 登记父环境的 Vault，返回随机令牌
func (h *Handshake) Export(v *Vault) Token {
	t := Token(uuid.NewString())
	h.mu.Lock()
	h.slots[t] = v
	h.mu.Unlock()
	return t
}

// Adopt 子环境领取 Vault；无论成功与否槽位都会被移除
func (h *Handshake) Adopt(t Token, vm *goja.Runtime) (*Vault, error) {
	h.mu.Lock()
	v, ok := h.slots[t]
	delete(h.slots, t)
	h.mu.Unlock()
	if !ok {
		return nil, ErrUnknownToken
	}
	if v.vm != vm {
		return nil, ErrRealmMismatch
	}
	return v, nil
}

// Revoke 撤销未领取的槽位
func (h *Handshake) Revoke(t Token) {
	h.mu.Lock()
	delete(h.slots, t)
	h.mu.Unlock()
}

// Pending 未领取的槽位数
func (h *Handshake) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.slots)
}
