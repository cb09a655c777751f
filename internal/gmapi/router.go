package gmapi

import (
	"errors"

	"github.com/dop251/goja"

	"cdpmonkey/internal/bridge"
	"cdpmonkey/internal/logger"
)

var ErrUnhandled = errors.New("command not handled by capability router")

// Router 环境内所有能力对象共用的消息路由
//
// 后台回传的消息按 key 或 id 路由回发起调用的能力对象。
// 所有方法只在环境的事件循环中调用。
type Router struct {
	post  func(bridge.Envelope) error
	calls *bridge.Calls
	log   logger.Logger

	values   map[string]*Values
	requests map[string]*request
	menus    map[string]goja.Callable
	notes    map[string]*note
}

type note struct {
	onclick goja.Callable
	ondone  goja.Callable
	done    func()
}

// NewRouter 创建路由，post 负责把信封交给内容桥
func NewRouter(post func(bridge.Envelope) error, log logger.Logger) *Router {
	if log == nil {
		log = logger.NewNop()
	}
	return &Router{
		post:     post,
		calls:    bridge.NewCalls("gm"),
		log:      log,
		values:   make(map[string]*Values),
		requests: make(map[string]*request),
		menus:    make(map[string]goja.Callable),
		notes:    make(map[string]*note),
	}
}

// Seed 用注入包中的值初始化快照
func (r *Router) Seed(all map[string]map[string]string) {
	for uri, m := range all {
		if _, ok := r.values[uri]; !ok {
			r.values[uri] = newValues(uri, m)
		}
	}
}

// Values 取得 uri 的值快照，不存在时创建空快照
func (r *Router) Values(uri string) *Values {
	s, ok := r.values[uri]
	if !ok {
		s = newValues(uri, nil)
		r.values[uri] = s
	}
	return s
}

// Pending 进行中的网络请求数
func (r *Router) Pending() int { return len(r.requests) }

// Menus 已注册的菜单命令数
func (r *Router) Menus() int { return len(r.menus) }

func (r *Router) send(cmd bridge.Cmd, data any) error {
	e, err := bridge.NewEnvelope(cmd, data)
	if err != nil {
		return err
	}
	return r.post(e)
}

// Dispatch 处理后台发往页面的消息
func (r *Router) Dispatch(e bridge.Envelope) error {
	switch e.Cmd {
	case bridge.CmdCorrelationIDIssued:
		var m bridge.CorrelationIssued
		if err := e.Decode(&m); err != nil {
			return err
		}
		r.calls.Resolve(m.Key, e)
	case bridge.CmdNetworkEvent:
		var ev bridge.NetworkEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		req, ok := r.requests[ev.ID]
		if !ok {
			// 已中止或已结束的请求，迟到的事件直接忽略
			return nil
		}
		if ev.Type == "loadend" {
			delete(r.requests, ev.ID)
		}
		req.dispatch(ev)
	case bridge.CmdValueUpdated:
		var u bridge.ValueUpdate
		if err := e.Decode(&u); err != nil {
			return err
		}
		r.Values(u.URI).apply(u)
	case bridge.CmdCommandInvoked:
		var m bridge.MenuCommand
		if err := e.Decode(&m); err != nil {
			return err
		}
		if fn, ok := r.menus[m.ID]; ok {
			r.invoke(fn, "menu command")
		}
	case bridge.CmdNotificationClicked:
		var m bridge.NotificationRef
		if err := e.Decode(&m); err != nil {
			return err
		}
		if n, ok := r.notes[m.ID]; ok && n.onclick != nil {
			r.invoke(n.onclick, "notification onclick")
		}
	case bridge.CmdNotificationClosed:
		var m bridge.NotificationRef
		if err := e.Decode(&m); err != nil {
			return err
		}
		n, ok := r.notes[m.ID]
		if !ok {
			return nil
		}
		delete(r.notes, m.ID)
		if n.ondone != nil {
			r.invoke(n.ondone, "notification ondone")
		}
		if n.done != nil {
			n.done()
		}
	default:
		return ErrUnhandled
	}
	return nil
}

// invoke 调用脚本回调，异常只记录不外抛
func (r *Router) invoke(fn goja.Callable, what string, args ...goja.Value) {
	if _, err := fn(goja.Undefined(), args...); err != nil {
		r.log.Warn("脚本回调异常", "callback", what, "error", err)
	}
}
