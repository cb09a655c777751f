package gmapi

import (
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
)

var ErrNoResource = errors.New("resource not declared or not cached")

// Resource 缓存中的资源，缓存格式为 "内容类型,base64"
type Resource struct {
	Type string
	Data []byte
}

// ParseResource 解析缓存条目；没有逗号时内容类型为空
func ParseResource(entry string) (Resource, error) {
	mime, b64, ok := strings.Cut(entry, ",")
	if !ok {
		mime, b64 = "", entry
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Resource{}, err
	}
	return Resource{Type: mime, Data: data}, nil
}

// DataURL 资源的 data: 形式
func (r Resource) DataURL() string {
	mime := r.Type
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(r.Data)
}

// decodeUTF8 逐个码点解码，非法字节替换为 U+FFFD
func decodeUTF8(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		sb.WriteRune(r)
		b = b[size:]
	}
	return sb.String()
}

// ObjectURLs 环境内的 blob: URL 登记表，随环境销毁
type ObjectURLs struct {
	origin string

	mu   sync.Mutex
	urls map[string]Resource
	memo map[string]string
}

// NewObjectURLs 以页面 origin 为前缀创建登记表
func NewObjectURLs(origin string) *ObjectURLs {
	return &ObjectURLs{
		origin: origin,
		urls:   make(map[string]Resource),
		memo:   make(map[string]string),
	}
}

// Create 为 key 创建 blob: URL；同一 key 只创建一次
func (o *ObjectURLs) Create(key string, r Resource) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if u, ok := o.memo[key]; ok {
		return u
	}
	u := "blob:" + o.origin + "/" + uuid.NewString()
	o.urls[u] = r
	o.memo[key] = u
	return u
}

// Resolve 取回 blob: URL 对应的内容
func (o *ObjectURLs) Resolve(url string) (Resource, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.urls[url]
	return r, ok
}

// Revoke 释放所有 URL
func (o *ObjectURLs) Revoke() {
	o.mu.Lock()
	o.urls = make(map[string]Resource)
	o.memo = make(map[string]string)
	o.mu.Unlock()
}

// Len 已创建的 URL 数
func (o *ObjectURLs) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.urls)
}
