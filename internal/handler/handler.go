// Package handler 把浏览器帧的生命周期映射到页面环境与内容桥：
// 导航时建立环境并连接后台，生命周期事件推进注入时机，卸载时拆除。
package handler

import (
	"context"
	"strings"
	"sync"
	"time"

	"cdpmonkey/internal/bridge"
	"cdpmonkey/internal/logger"
	"cdpmonkey/internal/sandbox"
	"cdpmonkey/internal/vault"
	"cdpmonkey/pkg/model"
)

// Background 后台的帧连接入口
type Background interface {
	Connect(info model.FrameInfo) *bridge.Port
	CloseTab(tab model.TabID)
}

// Config 配置选项
type Config struct {
	Background    Background
	ScriptTimeout time.Duration
	PortBuffer    int
	Version       string
	Events        chan model.Event
	Logger        logger.Logger
}

type frameKey struct {
	tab   model.TabID
	frame model.FrameID
}

// frame 单个帧的页面环境与内容桥
type frame struct {
	info   model.FrameInfo
	realm  *sandbox.Realm
	bridge *bridge.Bridge
	cancel context.CancelFunc
}

func (f *frame) close() {
	f.cancel()
	f.bridge.Close()
	f.realm.Close()
}

// Handler 帧生命周期处理器
type Handler struct {
	cfg       Config
	log       logger.Logger
	oneshot   *bridge.OneShot
	handshake *vault.Handshake

	mu     sync.Mutex
	frames map[frameKey]*frame
}

// New 创建帧处理器
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Handler{
		cfg:       cfg,
		log:       cfg.Logger.With("component", "handler"),
		oneshot:   bridge.NewOneShot(),
		handshake: vault.NewHandshake(),
		frames:    make(map[frameKey]*frame),
	}
}

// inheritsParent about:blank 与 srcdoc 子帧与父帧同源，共用父帧运行时
func inheritsParent(url string) bool {
	return url == "" || strings.HasPrefix(url, "about:blank") || strings.HasPrefix(url, "about:srcdoc")
}

// FrameNavigated 帧导航到新文档：拆除旧环境，建立新环境并请求注入数据
func (h *Handler) FrameNavigated(ctx context.Context, info model.FrameInfo) {
	key := frameKey{info.Tab, info.Frame}
	h.mu.Lock()
	old := h.frames[key]
	delete(h.frames, key)
	var parent *frame
	if !info.IsTop() {
		parent = h.frames[frameKey{info.Tab, info.Parent}]
	}
	h.mu.Unlock()
	if old != nil {
		old.close()
	}

	fctx, cancel := context.WithCancel(ctx)
	pageSide, bridgePage := bridge.Pipe("page", h.cfg.PortBuffer)
	cfg := sandbox.Config{
		Info:          info,
		Port:          pageSide,
		OneShot:       h.oneshot,
		Handshake:     h.handshake,
		ScriptTimeout: h.cfg.ScriptTimeout,
		Version:       h.cfg.Version,
		Logger:        h.cfg.Logger,
	}
	var (
		realm *sandbox.Realm
		err   error
	)
	if parent != nil && inheritsParent(info.URL) {
		realm, err = parent.realm.Child(fctx, cfg)
	} else {
		realm, err = sandbox.New(fctx, cfg)
	}
	if err != nil {
		cancel()
		pageSide.Close()
		bridgePage.Close()
		h.log.Err(err, "创建页面环境失败", "tab", string(info.Tab), "frame", string(info.Frame))
		h.sendEvent(model.Event{Type: "error", Tab: info.Tab, Frame: info.Frame, URL: info.URL, Message: err.Error()})
		return
	}

	b := bridge.New(bridge.Config{
		Info:     info,
		Page:     bridgePage,
		Back:     h.cfg.Background.Connect(info),
		Injector: realm,
		OneShot:  h.oneshot,
		Logger:   h.cfg.Logger,
	})
	f := &frame{info: info, realm: realm, bridge: b, cancel: cancel}
	if err := b.Start(fctx); err != nil {
		f.close()
		h.log.Err(err, "内容桥启动失败", "tab", string(info.Tab), "frame", string(info.Frame))
		return
	}

	h.mu.Lock()
	h.frames[key] = f
	h.mu.Unlock()
	h.log.Debug("帧环境已建立", "tab", string(info.Tab), "frame", string(info.Frame), "url", info.URL, "child", parent != nil)
}

// FrameStage 推进帧的注入时机
func (h *Handler) FrameStage(tab model.TabID, frameID model.FrameID, stage model.RunAt) {
	h.mu.Lock()
	f := h.frames[frameKey{tab, frameID}]
	h.mu.Unlock()
	if f == nil {
		return
	}
	f.bridge.RunStage(stage)
}

// FrameDetached 帧被移除
func (h *Handler) FrameDetached(tab model.TabID, frameID model.FrameID) {
	key := frameKey{tab, frameID}
	h.mu.Lock()
	f := h.frames[key]
	delete(h.frames, key)
	h.mu.Unlock()
	if f != nil {
		f.close()
	}
}

// TabClosed 拆除标签页的全部帧并通知后台
func (h *Handler) TabClosed(tab model.TabID) {
	var closing []*frame
	h.mu.Lock()
	for key, f := range h.frames {
		if key.tab == tab {
			closing = append(closing, f)
			delete(h.frames, key)
		}
	}
	h.mu.Unlock()
	for _, f := range closing {
		f.close()
	}
	h.cfg.Background.CloseTab(tab)
}

// Frames 当前存活的帧
func (h *Handler) Frames(tab model.TabID) []model.FrameInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []model.FrameInfo
	for key, f := range h.frames {
		if key.tab == tab {
			out = append(out, f.info)
		}
	}
	return out
}

// Realm 取帧的页面环境
func (h *Handler) Realm(tab model.TabID, frameID model.FrameID) (*sandbox.Realm, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.frames[frameKey{tab, frameID}]
	if !ok {
		return nil, false
	}
	return f.realm, true
}

// Close 拆除全部帧
func (h *Handler) Close() {
	h.mu.Lock()
	frames := h.frames
	h.frames = make(map[frameKey]*frame)
	h.mu.Unlock()
	for _, f := range frames {
		f.close()
	}
}

// sendEvent 安全发送事件到通道，自动添加时间戳
func (h *Handler) sendEvent(evt model.Event) {
	if h.cfg.Events == nil {
		return
	}
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case h.cfg.Events <- evt:
	default:
	}
}
