package background

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	"cdpmonkey/internal/bridge"
	"cdpmonkey/internal/ctxkeys"
	"cdpmonkey/internal/logger"
	"cdpmonkey/pkg/model"
	"cdpmonkey/pkg/traffic"
)

var ErrUnverified = errors.New("request did not pass verification")

// restrictedPrefix 页面设置的受限请求头以此前缀转发，校验通过后还原
const restrictedPrefix = "X-Cdpmonkey-Restricted-"

// chunkSize 读取响应体的分块大小，每块触发一次 progress
const chunkSize = 32 << 10

// ProxyOptions 请求代理配置
type ProxyOptions struct {
	// VerifyHeader 携带一次性校验令牌的私有请求头
	VerifyHeader string
	// Timeout 页面未指定超时时使用，0 表示不限
	Timeout      time.Duration
	RatePerTab   float64
	Burst        int
	MaxRedirects int
	// Jar 非匿名请求使用的 Cookie 存储
	Jar       http.CookieJar
	Transport http.RoundTripper
	Logger    logger.Logger
}

// Proxy 代替页面发出 GM_xmlhttpRequest 请求
//
// 每个请求带着私有校验头进入传输层，RoundTripper 校验通过后剥离该头、
// 还原受限头，并登记传输层请求 id 与关联 id 的对应关系，重定向时据此更新最终 URL。
type Proxy struct {
	opts   ProxyOptions
	log    logger.Logger
	client *resty.Client
	anon   *resty.Client

	mu         sync.Mutex
	tokens     map[string]string
	transports map[string]string
	finals     map[string]string
	limiters   map[model.TabID]*rate.Limiter
}

// NewProxy 创建请求代理
func NewProxy(opts ProxyOptions) *Proxy {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.VerifyHeader == "" {
		opts.VerifyHeader = "X-Cdpmonkey-Verify"
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	p := &Proxy{
		opts:       opts,
		log:        opts.Logger.With("component", "proxy"),
		tokens:     make(map[string]string),
		transports: make(map[string]string),
		finals:     make(map[string]string),
		limiters:   make(map[model.TabID]*rate.Limiter),
	}
	rt := &verifier{p: p, base: opts.Transport}
	p.client = p.newClient(rt, opts.Jar)
	p.anon = p.newClient(rt, nil)
	return p
}

func (p *Proxy) newClient(rt http.RoundTripper, jar http.CookieJar) *resty.Client {
	return resty.New().
		SetTransport(rt).
		SetCookieJar(jar).
		SetRedirectPolicy(resty.RedirectPolicyFunc(p.redirect)).
		SetLogger(restyLogger{p.log})
}

// redirect 限制跳转次数，并把跳转目标记为关联请求的最终 URL
func (p *Proxy) redirect(req *http.Request, via []*http.Request) error {
	if len(via) >= p.opts.MaxRedirects {
		return fmt.Errorf("stopped after %d redirects", len(via))
	}
	tid, _ := req.Context().Value(ctxkeys.TransportIDKey{}).(string)
	p.mu.Lock()
	if id, ok := p.transports[tid]; ok {
		p.finals[id] = req.URL.String()
	}
	p.mu.Unlock()
	return nil
}

// limiter 每个标签页独立的限速器
func (p *Proxy) limiter(tab model.TabID) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[tab]
	if !ok {
		limit := rate.Inf
		if p.opts.RatePerTab > 0 {
			limit = rate.Limit(p.opts.RatePerTab)
		}
		l = rate.NewLimiter(limit, max(p.opts.Burst, 1))
		p.limiters[tab] = l
	}
	return l
}

// ForgetTab 标签页关闭后释放其限速器
func (p *Proxy) ForgetTab(tab model.TabID) {
	p.mu.Lock()
	delete(p.limiters, tab)
	p.mu.Unlock()
}

func (p *Proxy) register(token, id string) {
	p.mu.Lock()
	p.tokens[token] = id
	p.mu.Unlock()
}

// verify 令牌在整个请求（含重定向）期间有效，请求结束后由 release 撤销
func (p *Proxy) verify(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.tokens[token]
	return id, ok
}

func (p *Proxy) bind(tid, id string) {
	if tid == "" {
		return
	}
	p.mu.Lock()
	p.transports[tid] = id
	p.mu.Unlock()
}

func (p *Proxy) finalURL(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finals[id]
}

func (p *Proxy) release(id, token, tid string) {
	p.mu.Lock()
	delete(p.tokens, token)
	delete(p.transports, tid)
	delete(p.finals, id)
	p.mu.Unlock()
}

// Pending 已登记但尚未结束的校验令牌数
func (p *Proxy) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tokens)
}

// verifier 传输层钩子
type verifier struct {
	p    *Proxy
	base http.RoundTripper
}

func (v *verifier) RoundTrip(req *http.Request) (*http.Response, error) {
	id, ok := v.p.verify(req.Header.Get(v.p.opts.VerifyHeader))
	if !ok {
		v.p.log.Warn("拒绝未通过校验的请求", "url", req.URL.String())
		return nil, ErrUnverified
	}
	out := req.Clone(req.Context())
	out.Header.Del(v.p.opts.VerifyHeader)
	for name, vals := range req.Header {
		if !strings.HasPrefix(name, restrictedPrefix) {
			continue
		}
		out.Header.Del(name)
		real := http.CanonicalHeaderKey(name[len(restrictedPrefix):])
		if real == "Host" {
			out.Host = strings.Join(vals, "")
			continue
		}
		out.Header[real] = vals
	}
	tid, _ := req.Context().Value(ctxkeys.TransportIDKey{}).(string)
	v.p.bind(tid, id)
	return v.base.RoundTrip(out)
}

// exchange 单个代理请求的状态
type exchange struct {
	p    *Proxy
	d    bridge.RequestDetails
	ctx  context.Context
	emit func(bridge.NetworkEvent)

	readyState int
	status     int
	statusText string
	headers    string
	final      string
}

// Do 发出请求并通过 emit 依次回报生命周期事件；每个请求恰好以一个 loadend 结束。
// ctx 被取消视为页面中止，此后不再回报任何事件。
func (p *Proxy) Do(ctx context.Context, tab model.TabID, d bridge.RequestDetails, emit func(bridge.NetworkEvent)) {
	x := &exchange{p: p, d: d, ctx: ctx, emit: emit, final: d.URL}
	x.run(tab)
}

func (x *exchange) fire(typ string, fill func(*bridge.NetworkEvent)) {
	if x.ctx.Err() != nil {
		return
	}
	ev := bridge.NetworkEvent{
		ID:              x.d.ID,
		Type:            typ,
		ReadyState:      x.readyState,
		Status:          x.status,
		StatusText:      x.statusText,
		FinalURL:        x.final,
		ResponseHeaders: x.headers,
	}
	if fill != nil {
		fill(&ev)
	}
	x.emit(ev)
}

func (x *exchange) run(tab model.TabID) {
	p := x.p
	x.readyState = 1
	x.fire("loadstart", nil)
	if err := p.limiter(tab).Wait(x.ctx); err != nil {
		x.fail(err)
		return
	}

	ctx := x.ctx
	timeout := p.opts.Timeout
	if x.d.TimeoutMS > 0 {
		timeout = time.Duration(x.d.TimeoutMS) * time.Millisecond
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	tid := uuid.NewString()
	ctx = context.WithValue(ctx, ctxkeys.TransportIDKey{}, tid)
	token := uuid.NewString()
	p.register(token, x.d.ID)
	defer p.release(x.d.ID, token, tid)

	req, err := p.request(ctx, x.d, token)
	if err != nil {
		x.fail(err)
		return
	}
	method := strings.ToUpper(x.d.Method)
	if method == "" {
		method = http.MethodGet
	}
	resp, err := req.Execute(method, x.d.URL)
	if err != nil {
		x.fail(err)
		return
	}
	body := resp.RawBody()
	defer body.Close()

	x.status = resp.StatusCode()
	x.statusText = strings.TrimSpace(strings.TrimPrefix(resp.Status(), fmt.Sprint(x.status)))
	x.headers = formatHeaders(resp.Header())
	if u := p.finalURL(x.d.ID); u != "" {
		x.final = u
	}
	if raw := resp.RawResponse; raw != nil && raw.Request != nil {
		x.final = raw.Request.URL.String()
	}
	x.readyState = 2
	x.fire("readystatechange", nil)

	var total int64
	if resp.RawResponse != nil {
		total = resp.RawResponse.ContentLength
	}
	data, err := x.read(body, total)
	if err != nil {
		x.fail(err)
		return
	}
	text, enc := convertBody(x.d, data, resp.Header().Get("Content-Type"))
	x.readyState = 4
	x.fire("readystatechange", func(ev *bridge.NetworkEvent) {
		ev.Response, ev.ResponseEncoding = text, enc
	})
	x.fire("load", func(ev *bridge.NetworkEvent) {
		ev.Response, ev.ResponseEncoding = text, enc
		ev.Loaded, ev.Total, ev.LengthComputable = int64(len(data)), int64(len(data)), true
	})
	x.fire("loadend", nil)
}

// read 分块读取响应体，每块回报一次 progress
func (x *exchange) read(body io.Reader, total int64) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if x.readyState < 3 {
				x.readyState = 3
				x.fire("readystatechange", nil)
			}
			loaded := int64(buf.Len())
			x.fire("progress", func(ev *bridge.NetworkEvent) {
				ev.Loaded = loaded
				if total > 0 {
					ev.Total, ev.LengthComputable = total, true
				}
			})
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// fail 超时回报 timeout，其余错误回报 error，随后以 loadend 结束；页面中止时静默
func (x *exchange) fail(err error) {
	if x.ctx.Err() != nil {
		return
	}
	x.readyState = 4
	if errors.Is(err, context.DeadlineExceeded) {
		x.fire("timeout", nil)
	} else {
		x.p.log.Debug("代理请求失败", "id", x.d.ID, "url", x.d.URL, "error", err)
		x.fire("error", func(ev *bridge.NetworkEvent) { ev.Error = err.Error() })
	}
	x.fire("loadend", nil)
}

// request 构造 resty 请求：受限头加前缀，附带校验令牌
func (p *Proxy) request(ctx context.Context, d bridge.RequestDetails, token string) (*resty.Request, error) {
	c := p.client
	if d.Anonymous {
		c = p.anon
	}
	r := c.R().SetContext(ctx).SetDoNotParseResponse(true)
	h := make(traffic.Header, len(d.Headers))
	for k, v := range d.Headers {
		h.Set(k, v)
	}
	for k, v := range h {
		if traffic.Restricted(k) {
			r.SetHeader(restrictedPrefix+k, v)
			continue
		}
		r.SetHeader(k, v)
	}
	r.SetHeader(p.opts.VerifyHeader, token)
	if d.User != "" || d.Password != "" {
		r.SetBasicAuth(d.User, d.Password)
	}
	if d.Data != "" {
		body := []byte(d.Data)
		if d.DataBase64 {
			b, err := base64.StdEncoding.DecodeString(d.Data)
			if err != nil {
				return nil, fmt.Errorf("decode request body: %w", err)
			}
			body = b
		}
		r.SetBody(body)
	}
	return r, nil
}

// formatHeaders 按 getAllResponseHeaders 的格式输出：小写名称、按名称排序
func formatHeaders(h http.Header) string {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, k := range names {
		sb.WriteString(strings.ToLower(k))
		sb.WriteString(": ")
		sb.WriteString(strings.Join(h[k], ", "))
		sb.WriteString("\r\n")
	}
	return sb.String()
}

// convertBody 二进制响应编码为 data URL；文本按声明的字符集转为 UTF-8
func convertBody(d bridge.RequestDetails, data []byte, contentType string) (string, string) {
	if d.OverrideMime != "" {
		contentType = d.OverrideMime
	}
	switch d.ResponseType {
	case "arraybuffer", "blob":
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil || mt == "" {
			mt = "application/octet-stream"
		}
		return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(data), "dataurl"
	}
	r, err := charset.NewReader(bytes.NewReader(data), contentType)
	if err != nil {
		return string(data), ""
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return string(data), ""
	}
	return string(out), ""
}

// restyLogger 把 resty 的日志接到项目日志
type restyLogger struct{ log logger.Logger }

func (l restyLogger) Errorf(format string, v ...any) { l.log.Error(fmt.Sprintf(format, v...)) }
func (l restyLogger) Warnf(format string, v ...any)  { l.log.Warn(fmt.Sprintf(format, v...)) }
func (l restyLogger) Debugf(format string, v ...any) { l.log.Debug(fmt.Sprintf(format, v...)) }
