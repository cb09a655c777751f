package cdp

import (
	"context"
	"net/http"
	"net/url"

	"github.com/mafredri/cdp/protocol/network"

	adapter "cdpmonkey/internal/adapter/cdp"
)

// Jar 以浏览器 Cookie 存储为后端的 http.CookieJar，代理请求与页面共享登录态
type Jar struct {
	m *Manager
}

// CookieJar 返回浏览器 Cookie 存储
func (m *Manager) CookieJar() *Jar {
	return &Jar{m: m}
}

// SetCookies 写回响应中的 Set-Cookie；未附加任何标签页时丢弃
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	ts, err := j.m.first()
	if err != nil {
		return
	}
	params := make([]network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, adapter.ToCookieParam(u, c))
	}
	ctx, cancel := context.WithTimeout(ts.ctx, j.m.timeout)
	defer cancel()
	if err := ts.client.Network.SetCookies(ctx, network.NewSetCookiesArgs(params)); err != nil {
		j.m.log.Warn("写入浏览器 Cookie 失败", "url", u.String(), "error", err)
	}
}

// Cookies 读取浏览器中适用于 u 的 Cookie
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	ts, err := j.m.first()
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ts.ctx, j.m.timeout)
	defer cancel()
	reply, err := ts.client.Network.GetCookies(ctx, network.NewGetCookiesArgs().SetURLs([]string{u.String()}))
	if err != nil {
		j.m.log.Warn("读取浏览器 Cookie 失败", "url", u.String(), "error", err)
		return nil
	}
	out := make([]*http.Cookie, 0, len(reply.Cookies))
	for _, c := range reply.Cookies {
		out = append(out, adapter.ToHTTPCookie(c))
	}
	return out
}
