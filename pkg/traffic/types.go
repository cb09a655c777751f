package traffic

import (
	"strings"
)

// Header 小写键的请求/响应头
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// 浏览器不允许页面脚本直接设置的请求头
var restricted = map[string]bool{
	"accept-charset":                 true,
	"accept-encoding":                true,
	"access-control-request-headers": true,
	"access-control-request-method":  true,
	"connection":                     true,
	"content-length":                 true,
	"cookie":                         true,
	"cookie2":                        true,
	"date":                           true,
	"dnt":                            true,
	"expect":                         true,
	"host":                           true,
	"keep-alive":                     true,
	"origin":                         true,
	"referer":                        true,
	"te":                             true,
	"trailer":                        true,
	"transfer-encoding":              true,
	"upgrade":                        true,
	"user-agent":                     true,
	"via":                            true,
}

// Restricted 判断请求头是否属于受限头，包括 proxy- 与 sec- 前缀
func Restricted(name string) bool {
	name = strings.ToLower(name)
	return restricted[name] || strings.HasPrefix(name, "proxy-") || strings.HasPrefix(name, "sec-")
}

// Directive 返回 Content-Security-Policy 中指定指令的来源列表（小写）
//
// 指令不存在时返回 nil；同名指令只取第一条。
func (h Header) Directive(name string) []string {
	policy := h.Get("content-security-policy")
	if policy == "" {
		return nil
	}
	name = strings.ToLower(name)
	for _, d := range strings.Split(policy, ";") {
		fields := strings.Fields(strings.ToLower(d))
		if len(fields) > 0 && fields[0] == name {
			return append([]string{}, fields[1:]...)
		}
	}
	return nil
}
