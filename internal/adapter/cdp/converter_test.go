package cdp

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpmonkey/pkg/model"
	"cdpmonkey/pkg/traffic"
)

func TestToFrameInfo(t *testing.T) {
	parent := page.FrameID("top")
	frag := "#x"
	info := ToFrameInfo("tab1", page.Frame{ID: "child", ParentID: &parent, URL: "https://a.test/", URLFragment: &frag})
	assert.Equal(t, model.FrameInfo{Tab: "tab1", Frame: "child", Parent: "top", URL: "https://a.test/#x"}, info)
	assert.False(t, info.IsTop())

	top := ToFrameInfo("tab1", page.Frame{ID: "top", URL: "about:blank"})
	assert.True(t, top.IsTop())
}

func TestStageOf(t *testing.T) {
	stage, ok := StageOf("DOMContentLoaded")
	assert.True(t, ok)
	assert.Equal(t, model.RunAtDocumentEnd, stage)
	stage, ok = StageOf("load")
	assert.True(t, ok)
	assert.Equal(t, model.RunAtDocumentIdle, stage)
	_, ok = StageOf("init")
	assert.False(t, ok)
}

func TestBlocksInjection(t *testing.T) {
	tests := []struct {
		policy string
		want   bool
	}{
		{"", false},
		{"img-src *", false},
		{"default-src 'self'", true},
		{"default-src 'self'; script-src 'self' 'unsafe-inline'", false},
		{"script-src 'nonce-abc'", true},
		{"Script-Src 'UNSAFE-INLINE'", false},
	}
	for _, tt := range tests {
		h := make(traffic.Header)
		if tt.policy != "" {
			h.Set("Content-Security-Policy", tt.policy)
		}
		assert.Equal(t, tt.want, BlocksInjection(h), tt.policy)
	}
}

func TestToHeader(t *testing.T) {
	h := ToHeader(network.Headers(`{"Content-Type":"text/html","X-N":1}`))
	assert.Equal(t, "text/html", h.Get("content-type"))
	assert.Empty(t, h.Get("x-n"))
	assert.Empty(t, ToHeader(nil))
}

func TestCookies(t *testing.T) {
	hc := ToHTTPCookie(network.Cookie{Name: "sid", Value: "1", Domain: ".a.test", Path: "/", Expires: 2e9, HTTPOnly: true, SameSite: network.CookieSameSiteLax})
	assert.Equal(t, "sid", hc.Name)
	assert.True(t, hc.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, hc.SameSite)
	assert.EqualValues(t, 2e9, hc.Expires.Unix())

	u, err := url.Parse("https://a.test/x")
	require.NoError(t, err)
	p := ToCookieParam(u, &http.Cookie{Name: "k", Value: "v", Path: "/", Secure: true})
	require.NotNil(t, p.URL)
	assert.Equal(t, "https://a.test/x", *p.URL)
	assert.Nil(t, p.Domain)
	require.NotNil(t, p.Secure)
	assert.True(t, *p.Secure)
}
