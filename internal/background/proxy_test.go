package background

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpmonkey/internal/bridge"
)

func collect(t *testing.T, p *Proxy, d bridge.RequestDetails) []bridge.NetworkEvent {
	t.Helper()
	var events []bridge.NetworkEvent
	if d.ID == "" {
		d.ID = "req-1"
	}
	p.Do(context.Background(), "1", d, func(ev bridge.NetworkEvent) { events = append(events, ev) })
	return events
}

func types(events []bridge.NetworkEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func last(events []bridge.NetworkEvent, typ string) bridge.NetworkEvent {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == typ {
			return events[i]
		}
	}
	return bridge.NetworkEvent{}
}

func countType(events []bridge.NetworkEvent, typ string) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestProxyLifecycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Answer", "42")
		_, _ = io.WriteString(w, "hello")
	}))
	defer srv.Close()

	events := collect(t, NewProxy(ProxyOptions{}), bridge.RequestDetails{Method: "get", URL: srv.URL + "/a"})
	require.NotEmpty(t, events)
	assert.Equal(t, "loadstart", events[0].Type)
	assert.Equal(t, "loadend", events[len(events)-1].Type)
	assert.Equal(t, 1, countType(events, "loadend"))
	assert.Contains(t, types(events), "progress")

	load := last(events, "load")
	assert.Equal(t, 200, load.Status)
	assert.Equal(t, "OK", load.StatusText)
	assert.Equal(t, "hello", load.Response)
	assert.Equal(t, 4, load.ReadyState)
	assert.Equal(t, srv.URL+"/a", load.FinalURL)
	assert.Contains(t, load.ResponseHeaders, "x-answer: 42\r\n")
	assert.EqualValues(t, 5, load.Loaded)
}

func TestProxyVerifiesAndRestoresHeaders(t *testing.T) {
	seen := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Clone()
		h.Set("Host", r.Host)
		seen <- h
	}))
	defer srv.Close()

	p := NewProxy(ProxyOptions{VerifyHeader: "X-Test-Verify"})
	events := collect(t, p, bridge.RequestDetails{
		URL: srv.URL,
		Headers: map[string]string{
			"User-Agent": "monkey/1.0",
			"Referer":    "https://site.test/",
			"X-Custom":   "yes",
		},
	})
	assert.Equal(t, 200, last(events, "load").Status)

	h := <-seen
	assert.Equal(t, "monkey/1.0", h.Get("User-Agent"))
	assert.Equal(t, "https://site.test/", h.Get("Referer"))
	assert.Equal(t, "yes", h.Get("X-Custom"))
	assert.Empty(t, h.Get("X-Test-Verify"))
	for name := range h {
		assert.False(t, strings.HasPrefix(name, restrictedPrefix), name)
	}
	assert.Zero(t, p.Pending())
}

func TestProxyRejectsUnverifiedRequests(t *testing.T) {
	p := NewProxy(ProxyOptions{})
	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/", nil)
	require.NoError(t, err)
	req.Header.Set(p.opts.VerifyHeader, "forged")
	_, err = (&verifier{p: p, base: http.DefaultTransport}).RoundTrip(req)
	assert.ErrorIs(t, err, ErrUnverified)
}

func TestProxyFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/next", http.StatusFound)
	})
	mux.HandleFunc("/next", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "done")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	events := collect(t, NewProxy(ProxyOptions{}), bridge.RequestDetails{URL: srv.URL + "/start"})
	load := last(events, "load")
	assert.Equal(t, "done", load.Response)
	assert.Equal(t, srv.URL+"/final", load.FinalURL)

	limited := collect(t, NewProxy(ProxyOptions{MaxRedirects: 1}), bridge.RequestDetails{URL: srv.URL + "/start"})
	assert.Equal(t, []string{"loadstart", "error", "loadend"}, types(limited))
	assert.Contains(t, last(limited, "error").Error, "redirects")
}

func TestProxyBinaryResponsesAreDataURLs(t *testing.T) {
	payload := []byte{0x00, 0xff, 0x10, 0x80}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	for _, rt := range []string{"arraybuffer", "blob"} {
		t.Run(rt, func(t *testing.T) {
			load := last(collect(t, NewProxy(ProxyOptions{}), bridge.RequestDetails{URL: srv.URL, ResponseType: rt}), "load")
			assert.Equal(t, "dataurl", load.ResponseEncoding)
			assert.Equal(t, "data:image/png;base64,"+base64.StdEncoding.EncodeToString(payload), load.Response)
		})
	}
}

func TestProxyDecodesDeclaredCharset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=iso-8859-1")
		_, _ = w.Write([]byte{'c', 'a', 'f', 0xe9})
	}))
	defer srv.Close()

	load := last(collect(t, NewProxy(ProxyOptions{}), bridge.RequestDetails{URL: srv.URL}), "load")
	assert.Equal(t, "café", load.Response)
	assert.Empty(t, load.ResponseEncoding)
}

func TestProxyTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	events := collect(t, NewProxy(ProxyOptions{}), bridge.RequestDetails{URL: srv.URL, TimeoutMS: 50})
	assert.Equal(t, []string{"loadstart", "timeout", "loadend"}, types(events))
}

func TestProxyNetworkErrorIsTerminalEvent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	events := collect(t, NewProxy(ProxyOptions{}), bridge.RequestDetails{URL: addr})
	assert.Equal(t, []string{"loadstart", "error", "loadend"}, types(events))
	assert.NotEmpty(t, last(events, "error").Error)
}

func TestProxyAbortIsSilent(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var events []bridge.NetworkEvent
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		NewProxy(ProxyOptions{}).Do(ctx, "1", bridge.RequestDetails{ID: "r", URL: srv.URL}, func(ev bridge.NetworkEvent) {
			events = append(events, ev)
		})
	}()
	<-started
	cancel()
	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("aborted request did not finish")
	}
	assert.Equal(t, []string{"loadstart"}, types(events))
}

func TestProxyCookiesAndAnonymous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("sid")
		if err != nil {
			_, _ = io.WriteString(w, "none")
			return
		}
		_, _ = io.WriteString(w, c.Value)
	}))
	defer srv.Close()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	jar.SetCookies(u, []*http.Cookie{{Name: "sid", Value: "abc"}})

	p := NewProxy(ProxyOptions{Jar: jar})
	assert.Equal(t, "abc", last(collect(t, p, bridge.RequestDetails{URL: srv.URL}), "load").Response)
	assert.Equal(t, "none", last(collect(t, p, bridge.RequestDetails{URL: srv.URL, Anonymous: true}), "load").Response)
}

func TestProxySendsBodyAndCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		user, pass, _ := r.BasicAuth()
		_, _ = fmt.Fprintf(w, "%s %s:%s %x", r.Method, user, pass, body)
	}))
	defer srv.Close()

	load := last(collect(t, NewProxy(ProxyOptions{}), bridge.RequestDetails{
		Method:     "POST",
		URL:        srv.URL,
		Data:       base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
		DataBase64: true,
		User:       "u",
		Password:   "p",
	}), "load")
	assert.Equal(t, "POST u:p 010203", load.Response)
}
