package cdp

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"cdpmonkey/pkg/model"
	"cdpmonkey/pkg/traffic"

	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"
)

// ToFrameInfo 将 CDP 帧转换为中立的帧信息
func ToFrameInfo(tab model.TabID, f page.Frame) model.FrameInfo {
	info := model.FrameInfo{
		Tab:   tab,
		Frame: model.FrameID(f.ID),
		URL:   f.URL,
	}
	if f.URLFragment != nil {
		info.URL += *f.URLFragment
	}
	if f.ParentID != nil {
		info.Parent = model.FrameID(*f.ParentID)
	}
	return info
}

// StageOf 将生命周期事件映射为注入时机，其余事件返回 false
func StageOf(name string) (model.RunAt, bool) {
	switch name {
	case "firstPaint":
		return model.RunAtDocumentBody, true
	case "DOMContentLoaded":
		return model.RunAtDocumentEnd, true
	case "load", "networkAlmostIdle":
		return model.RunAtDocumentIdle, true
	}
	return "", false
}

// ToHeader 将 CDP 头部对象转换为中立 Header
func ToHeader(h network.Headers) traffic.Header {
	out := make(traffic.Header)
	var raw map[string]any
	if len(h) == 0 || json.Unmarshal(h, &raw) != nil {
		return out
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out.Set(k, s)
		}
	}
	return out
}

// BlocksInjection 判断文档响应的 CSP 是否禁止内联脚本
//
// script-src 优先，缺省时看 default-src；允许 'unsafe-inline' 或未声明时不阻止。
func BlocksInjection(h traffic.Header) bool {
	sources := h.Directive("script-src")
	if sources == nil {
		sources = h.Directive("default-src")
	}
	if sources == nil {
		return false
	}
	for _, s := range sources {
		if s == "'unsafe-inline'" {
			return false
		}
	}
	return true
}

// ToHTTPCookie 将浏览器 Cookie 转换为 net/http Cookie
func ToHTTPCookie(c network.Cookie) *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
	if !c.Session && c.Expires > 0 {
		hc.Expires = time.Unix(int64(c.Expires), 0)
	}
	switch c.SameSite {
	case network.CookieSameSiteStrict:
		hc.SameSite = http.SameSiteStrictMode
	case network.CookieSameSiteLax:
		hc.SameSite = http.SameSiteLaxMode
	case network.CookieSameSiteNone:
		hc.SameSite = http.SameSiteNoneMode
	}
	return hc
}

// ToCookieParam 将响应中的 Set-Cookie 转换为 Network.setCookies 参数
func ToCookieParam(u *url.URL, c *http.Cookie) network.CookieParam {
	p := network.CookieParam{Name: c.Name, Value: c.Value}
	raw := u.String()
	p.URL = &raw
	if c.Domain != "" {
		d := c.Domain
		p.Domain = &d
	}
	if c.Path != "" {
		path := c.Path
		p.Path = &path
	}
	if c.Secure {
		p.Secure = &c.Secure
	}
	if c.HttpOnly {
		p.HTTPOnly = &c.HttpOnly
	}
	return p
}
