package traffic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeader(t *testing.T) {
	h := make(Header)
	h.Set("Content-Type", "text/html")
	assert.Equal(t, "text/html", h.Get("content-type"))
	h.Del("CONTENT-TYPE")
	assert.Empty(t, h.Get("Content-Type"))

	var empty Header
	assert.Empty(t, empty.Get("x"))
}

func TestRestricted(t *testing.T) {
	for _, name := range []string{"Cookie", "user-agent", "Sec-Fetch-Mode", "Proxy-Authorization", "HOST"} {
		assert.True(t, Restricted(name), name)
	}
	for _, name := range []string{"X-Requested-With", "Accept", "Authorization"} {
		assert.False(t, Restricted(name), name)
	}
}

func TestDirective(t *testing.T) {
	h := make(Header)
	assert.Nil(t, h.Directive("script-src"))

	h.Set("Content-Security-Policy", "default-src 'self'; Script-Src 'self' 'UNSAFE-INLINE' https://cdn.test; script-src 'none'")
	assert.Equal(t, []string{"'self'", "'unsafe-inline'", "https://cdn.test"}, h.Directive("script-src"))
	assert.Equal(t, []string{"'self'"}, h.Directive("default-src"))
	assert.Nil(t, h.Directive("style-src"))

	h.Set("Content-Security-Policy", "script-src")
	assert.NotNil(t, h.Directive("script-src"))
	assert.Empty(t, h.Directive("script-src"))
}
