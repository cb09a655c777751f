package bridge

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync"
)

// NewRealmID 每次页面加载生成的环境标识，带随机后缀，不复用
func NewRealmID(prefix string) string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return prefix + "-" + hex.EncodeToString(b[:])
}

// Calls 请求方本地的待答复表：key 由本方生成，答复按 key 路由回原回调
type Calls struct {
	mu   sync.Mutex
	seq  uint64
	base string
	m    map[string]func(Envelope)
}

// NewCalls 创建待答复表，key 以 base 为前缀
func NewCalls(base string) *Calls {
	return &Calls{base: base, m: make(map[string]func(Envelope))}
}

// Add 登记回调，返回唯一 key
func (c *Calls) Add(cb func(Envelope)) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	key := c.base + ":" + strconv.FormatUint(c.seq, 10)
	c.m[key] = cb
	return key
}

// Resolve 取出并调用回调；key 不存在时返回 false（迟到的答复直接忽略）
func (c *Calls) Resolve(key string, e Envelope) bool {
	c.mu.Lock()
	cb, ok := c.m[key]
	delete(c.m, key)
	c.mu.Unlock()
	if ok {
		cb(e)
	}
	return ok
}

// Drop 放弃等待
func (c *Calls) Drop(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

// Len 等待中的数量
func (c *Calls) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
