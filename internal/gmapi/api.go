package gmapi

import (
	"strings"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"cdpmonkey/internal/bridge"
)

type impl = func(goja.FunctionCall) goja.Value

// throw 把 Go 错误作为 JS 异常抛给脚本
func (b *builder) throw(err error) {
	panic(b.vm.NewGoError(err))
}

func (b *builder) getValue() (impl, error) {
	return func(call goja.FunctionCall) goja.Value {
		raw, ok := b.values.Raw(call.Argument(0).String())
		if !ok {
			return call.Argument(1)
		}
		v, err := decodeValue(b.env.Vault, raw)
		if err != nil {
			return call.Argument(1)
		}
		return v
	}, nil
}

func (b *builder) setValue() (impl, error) {
	return func(call goja.FunctionCall) goja.Value {
		key, val := call.Argument(0).String(), call.Argument(1)
		if goja.IsUndefined(val) {
			b.removeValue(key)
			return goja.Undefined()
		}
		raw, err := encodeValue(b.env.Vault, val)
		if err != nil {
			b.throw(err)
		}
		b.values.m[key] = raw
		b.post(bridge.CmdSetValue, bridge.ValueChange{URI: b.values.uri, Key: key, Raw: raw})
		return goja.Undefined()
	}, nil
}

func (b *builder) removeValue(key string) {
	if _, ok := b.values.m[key]; !ok {
		return
	}
	delete(b.values.m, key)
	b.post(bridge.CmdSetValue, bridge.ValueChange{URI: b.values.uri, Key: key})
}

func (b *builder) deleteValue() (impl, error) {
	return func(call goja.FunctionCall) goja.Value {
		b.removeValue(call.Argument(0).String())
		return goja.Undefined()
	}, nil
}

func (b *builder) listValues() (impl, error) {
	return func(goja.FunctionCall) goja.Value {
		keys := b.values.Keys()
		items := make([]any, len(keys))
		for i, k := range keys {
			items[i] = k
		}
		return b.vm.NewArray(items...)
	}, nil
}

// resource 按 @resource 名称取缓存内容
func (b *builder) resource(name string) (Resource, bool) {
	u, ok := b.env.Script.Meta.Resources[name]
	if !ok {
		return Resource{}, false
	}
	entry, ok := b.env.Resources[u]
	if !ok {
		return Resource{}, false
	}
	r, err := ParseResource(entry)
	if err != nil {
		b.log.Warn("资源缓存损坏", "resource", name, "error", err)
		return Resource{}, false
	}
	return r, true
}

func (b *builder) getResourceText() (impl, error) {
	return func(call goja.FunctionCall) goja.Value {
		r, ok := b.resource(call.Argument(0).String())
		if !ok {
			return goja.Undefined()
		}
		return b.vm.ToValue(decodeUTF8(r.Data))
	}, nil
}

// getResourceURL 默认返回记忆化的 blob: URL，isBlobUrl 为 false 时返回 data: URL
func (b *builder) getResourceURL() (impl, error) {
	return func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		r, ok := b.resource(name)
		if !ok {
			return goja.Undefined()
		}
		blob := call.Argument(1)
		if b.env.URLs == nil || (!goja.IsUndefined(blob) && !blob.ToBoolean()) {
			return b.vm.ToValue(r.DataURL())
		}
		return b.vm.ToValue(b.env.URLs.Create(b.env.Script.URI+"\x00"+name, r))
	}, nil
}

func (b *builder) addStyle() (impl, error) {
	return func(call goja.FunctionCall) goja.Value {
		id := "style-" + uuid.NewString()
		b.post(bridge.CmdAddStyle, bridge.Style{ID: id, CSS: call.Argument(0).String()})
		return b.vm.ToValue(id)
	}, nil
}

// openInTab 第二个参数为布尔值时表示在后台打开
func (b *builder) openInTab() (impl, error) {
	return func(call goja.FunctionCall) goja.Value {
		req := bridge.OpenTab{
			URL:    b.resolveURL(call.Argument(0).String()),
			Active: true,
			Insert: true,
			Script: int64(b.env.Script.ID),
		}
		switch opt := call.Argument(1).(type) {
		case *goja.Object:
			if a := field(opt, "active"); !goja.IsUndefined(a) {
				req.Active = a.ToBoolean()
			}
			if i := field(opt, "insert"); !goja.IsUndefined(i) {
				req.Insert = i.ToBoolean()
			}
		default:
			if !isNullish(opt) {
				req.Active = !opt.ToBoolean()
			}
		}
		b.post(bridge.CmdOpenTab, req)
		return goja.Undefined()
	}, nil
}

func (b *builder) registerMenuCommand() (impl, error) {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			panic(b.vm.NewTypeError("GM_registerMenuCommand: callback is not a function"))
		}
		cmd := bridge.MenuCommand{
			ID:      uuid.NewString(),
			Caption: call.Argument(0).String(),
			Script:  int64(b.env.Script.ID),
		}
		switch opt := call.Argument(2).(type) {
		case *goja.Object:
			cmd.AccessKey = fieldString(opt, "accessKey")
		default:
			if !isNullish(opt) {
				cmd.AccessKey = opt.String()
			}
		}
		b.env.Router.menus[cmd.ID] = fn
		b.post(bridge.CmdRegisterMenuCommand, cmd)
		return b.vm.ToValue(cmd.ID)
	}, nil
}

func (b *builder) unregisterMenuCommand() (impl, error) {
	return func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		if _, ok := b.env.Router.menus[id]; !ok {
			return goja.Undefined()
		}
		delete(b.env.Router.menus, id)
		b.post(bridge.CmdUnregisterMenuCommand, bridge.MenuCommand{ID: id, Script: int64(b.env.Script.ID)})
		return goja.Undefined()
	}, nil
}

// showNotification 支持 (details) 与 (text, title, image, onclick) 两种调用形式
func (b *builder) showNotification(call goja.FunctionCall, done func()) {
	req := bridge.NotificationRequest{ID: uuid.NewString(), Script: int64(b.env.Script.ID)}
	n := &note{done: done}
	switch d := call.Argument(0).(type) {
	case *goja.Object:
		req.Text = fieldString(d, "text")
		req.Title = fieldString(d, "title")
		req.Image = fieldString(d, "image")
		req.Silent = fieldBool(d, "silent")
		req.Tag = fieldString(d, "tag")
		n.onclick = fieldFunc(d, "onclick")
		n.ondone = fieldFunc(d, "ondone")
	default:
		req.Text = d.String()
		if t := call.Argument(1); !isNullish(t) {
			req.Title = t.String()
		}
		if i := call.Argument(2); !isNullish(i) {
			req.Image = i.String()
		}
		n.onclick, _ = goja.AssertFunction(call.Argument(3))
	}
	if req.Title == "" {
		req.Title = b.env.Script.Meta.Name
	}
	b.env.Router.notes[req.ID] = n
	b.post(bridge.CmdShowNotification, req)
}

func (b *builder) notification() (impl, error) {
	return func(call goja.FunctionCall) goja.Value {
		b.showNotification(call, nil)
		return goja.Undefined()
	}, nil
}

// notificationAsync 通知关闭时兑现
func (b *builder) notificationAsync(call goja.FunctionCall) goja.Value {
	p, resolve, _ := b.vm.NewPromise()
	b.showNotification(call, func() { resolve(goja.Undefined()) })
	return b.vm.ToValue(p)
}

func (b *builder) setClipboard() (impl, error) {
	return func(call goja.FunctionCall) goja.Value {
		c := bridge.Clipboard{Data: call.Argument(0).String(), Type: "text/plain"}
		var t string
		switch info := call.Argument(1).(type) {
		case *goja.Object:
			t = fieldString(info, "mimetype")
			if t == "" {
				t = fieldString(info, "type")
			}
		default:
			if !isNullish(info) {
				t = info.String()
			}
		}
		switch {
		case t == "":
		case strings.Contains(t, "/"):
			c.Type = t
		default:
			c.Type = "text/" + t
		}
		b.post(bridge.CmdSetClipboard, c)
		return goja.Undefined()
	}, nil
}

func (b *builder) xmlhttpRequest() (impl, error) {
	return func(call goja.FunctionCall) goja.Value {
		req := b.newRequest(call.Argument(0))
		ctrl, err := req.control()
		if err != nil {
			b.throw(err)
		}
		req.send()
		return ctrl
	}, nil
}

// xmlHttpRequestAsync load 时兑现，error/timeout/abort 时拒绝；Promise 上附带 abort
func (b *builder) xmlHttpRequestAsync(call goja.FunctionCall) goja.Value {
	req := b.newRequest(call.Argument(0))
	p, resolve, reject := b.vm.NewPromise()
	req.resolve = func(v goja.Value) { resolve(v) }
	req.reject = func(v goja.Value) { reject(v) }
	ctrl, err := req.control()
	if err != nil {
		b.throw(err)
	}
	obj := b.vm.ToValue(p).ToObject(b.vm)
	if err := obj.Set("abort", ctrl.Get("abort")); err != nil {
		b.throw(err)
	}
	req.send()
	return obj
}

func (b *builder) gmLog() (impl, error) {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		b.log.Info("GM_log", "message", strings.Join(parts, " "))
		return goja.Undefined()
	}, nil
}
