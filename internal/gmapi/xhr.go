package gmapi

import (
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/dop251/goja"

	"cdpmonkey/internal/bridge"
)

// 网络请求的事件名，与 XMLHttpRequest 一致
var xhrEvents = []string{"loadstart", "progress", "readystatechange", "load", "error", "timeout", "abort", "loadend"}

// request 页面侧的一次 GM_xmlhttpRequest
type request struct {
	b        *builder
	key      string
	id       string
	details  bridge.RequestDetails
	context  goja.Value
	handlers map[string]goja.Callable

	state    bridge.NetworkEvent
	response goja.Value
	text     string

	aborted bool
	ended   bool

	resolve func(goja.Value)
	reject  func(goja.Value)
}

// newRequest 从 details 对象读取参数与回调；缺少 url 时抛出 TypeError
func (b *builder) newRequest(details goja.Value) *request {
	raw := fieldString(details, "url")
	if raw == "" {
		panic(b.vm.NewTypeError("GM_xmlhttpRequest: url is required"))
	}
	d := bridge.RequestDetails{
		Script:       int64(b.env.Script.ID),
		Method:       strings.ToUpper(fieldString(details, "method")),
		URL:          b.resolveURL(raw),
		ResponseType: fieldString(details, "responseType"),
		User:         fieldString(details, "user"),
		Password:     fieldString(details, "password"),
		Anonymous:    fieldBool(details, "anonymous"),
		OverrideMime: fieldString(details, "overrideMimeType"),
	}
	if d.Method == "" {
		d.Method = "GET"
	}
	if t := field(details, "timeout"); !isNullish(t) {
		d.TimeoutMS = int(t.ToInteger())
	}
	if h, ok := field(details, "headers").(*goja.Object); ok {
		d.Headers = make(map[string]string)
		for _, k := range h.Keys() {
			d.Headers[k] = h.Get(k).String()
		}
	}
	if data := field(details, "data"); !isNullish(data) {
		switch x := data.Export().(type) {
		case goja.ArrayBuffer:
			d.Data, d.DataBase64 = base64.StdEncoding.EncodeToString(x.Bytes()), true
		case []byte:
			d.Data, d.DataBase64 = base64.StdEncoding.EncodeToString(x), true
		default:
			d.Data = data.String()
		}
	}
	req := &request{
		b:        b,
		details:  d,
		context:  field(details, "context"),
		handlers: make(map[string]goja.Callable),
	}
	for _, name := range xhrEvents {
		if fn := fieldFunc(details, "on"+name); fn != nil {
			req.handlers[name] = fn
		}
	}
	return req
}

// resolveURL 相对地址按所在帧的 URL 解析
func (b *builder) resolveURL(raw string) string {
	base, err := url.Parse(b.env.Frame.URL)
	if err != nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}

// send 先申请关联 id，拿到后再发出真正的请求
func (r *request) send() {
	router := r.b.env.Router
	r.key = router.calls.Add(func(e bridge.Envelope) {
		var m bridge.CorrelationIssued
		if err := e.Decode(&m); err != nil {
			r.fail(err.Error())
			return
		}
		r.start(m.ID)
	})
	if err := router.send(bridge.CmdGetCorrelationID, bridge.CallKey{Key: r.key}); err != nil {
		router.calls.Drop(r.key)
		r.fail(err.Error())
	}
}

func (r *request) start(id string) {
	router := r.b.env.Router
	if r.aborted {
		// 领取 id 前已中止：后台已为该 id 登记，需显式释放
		_ = router.send(bridge.CmdAbortRequest, bridge.AbortRequest{ID: id})
		return
	}
	r.id = id
	r.details.ID = id
	router.requests[id] = r
	if err := router.send(bridge.CmdIssueNetworkRequest, r.details); err != nil {
		delete(router.requests, id)
		r.fail(err.Error())
	}
}

// fail 本地产生终止事件
func (r *request) fail(msg string) {
	r.dispatch(bridge.NetworkEvent{ID: r.id, Type: "error", ReadyState: 4, Error: msg})
	r.dispatch(bridge.NetworkEvent{ID: r.id, Type: "loadend", ReadyState: 4})
}

// abort 通知后台停止传输，本地立即补发 abort 与 loadend；
// 关联 id 尚未返回时由 start 在收到 id 后补发 abort-request
func (r *request) abort() {
	if r.ended || r.aborted {
		return
	}
	r.aborted = true
	router := r.b.env.Router
	if r.id != "" {
		delete(router.requests, r.id)
		_ = router.send(bridge.CmdAbortRequest, bridge.AbortRequest{ID: r.id})
	}
	r.dispatch(bridge.NetworkEvent{ID: r.id, Type: "abort", ReadyState: 4})
	r.dispatch(bridge.NetworkEvent{ID: r.id, Type: "loadend", ReadyState: 4})
}

func (r *request) dispatch(ev bridge.NetworkEvent) {
	if r.ended {
		return
	}
	r.merge(ev)
	resp := r.responseObject(ev)
	if fn, ok := r.handlers[ev.Type]; ok {
		r.b.env.Router.invoke(fn, "on"+ev.Type, resp)
	}
	switch ev.Type {
	case "load":
		if r.resolve != nil {
			r.resolve(resp)
		}
	case "error", "timeout", "abort":
		if r.reject != nil {
			r.reject(resp)
		}
	case "loadend":
		r.ended = true
	}
}

func (r *request) merge(ev bridge.NetworkEvent) {
	if ev.ReadyState > r.state.ReadyState {
		r.state.ReadyState = ev.ReadyState
	}
	if ev.Status != 0 {
		r.state.Status, r.state.StatusText = ev.Status, ev.StatusText
	}
	if ev.FinalURL != "" {
		r.state.FinalURL = ev.FinalURL
	}
	if ev.ResponseHeaders != "" {
		r.state.ResponseHeaders = ev.ResponseHeaders
	}
	if ev.Response != "" && r.response == nil {
		r.response, r.text = r.convert(ev)
	}
}

// convert 按 responseType 还原响应体；二进制以 data URL 形式跨越环境
func (r *request) convert(ev bridge.NetworkEvent) (goja.Value, string) {
	v := r.b.env.Vault
	vm := r.b.vm
	if ev.ResponseEncoding == "dataurl" {
		_, b64, _ := strings.Cut(ev.Response, ";base64,")
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return goja.Null(), ""
		}
		if r.details.ResponseType == "arraybuffer" {
			return vm.ToValue(vm.NewArrayBuffer(data)), ""
		}
		bytes, err := v.Bytes(data)
		if err != nil {
			return goja.Null(), ""
		}
		return bytes, ""
	}
	if r.details.ResponseType == "json" {
		parsed, err := v.Parse(ev.Response)
		if err != nil {
			return goja.Null(), ev.Response
		}
		return parsed, ev.Response
	}
	return vm.ToValue(ev.Response), ev.Response
}

func (r *request) responseObject(ev bridge.NetworkEvent) goja.Value {
	vm := r.b.vm
	o := vm.NewObject()
	_ = o.Set("readyState", r.state.ReadyState)
	_ = o.Set("status", r.state.Status)
	_ = o.Set("statusText", r.state.StatusText)
	_ = o.Set("finalUrl", r.state.FinalURL)
	_ = o.Set("responseHeaders", r.state.ResponseHeaders)
	if r.response != nil {
		_ = o.Set("response", r.response)
	} else {
		_ = o.Set("response", goja.Null())
	}
	_ = o.Set("responseText", r.text)
	_ = o.Set("context", r.context)
	if ev.Type == "progress" || ev.Type == "loadstart" {
		_ = o.Set("lengthComputable", ev.LengthComputable)
		_ = o.Set("loaded", ev.Loaded)
		_ = o.Set("total", ev.Total)
	}
	if ev.Error != "" {
		_ = o.Set("error", ev.Error)
	}
	return o
}

// control 返回给脚本的控制对象，只有 abort
func (r *request) control() (*goja.Object, error) {
	v := r.b.env.Vault
	o := r.b.vm.NewObject()
	abort, err := native(v, "abort", func(goja.FunctionCall) goja.Value {
		r.abort()
		return goja.Undefined()
	})
	if err != nil {
		return nil, err
	}
	if err := define(v, o, "abort", abort); err != nil {
		return nil, err
	}
	return o, v.Freeze(o)
}
