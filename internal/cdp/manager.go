// Package cdp 通过 Chrome DevTools Protocol 连接浏览器标签页，
// 把帧的导航、生命周期与卸载事件转交给帧处理器，并提供后台所需的浏览器操作。
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/rpcc"

	adapter "cdpmonkey/internal/adapter/cdp"
	"cdpmonkey/internal/logger"
	"cdpmonkey/pkg/model"
)

var (
	ErrNoTarget    = errors.New("target not found")
	ErrNotAttached = errors.New("target not attached")
)

// Frames 帧生命周期的接收方
type Frames interface {
	FrameNavigated(ctx context.Context, info model.FrameInfo)
	FrameStage(tab model.TabID, frame model.FrameID, stage model.RunAt)
	FrameDetached(tab model.TabID, frame model.FrameID)
	TabClosed(tab model.TabID)
}

// Config 管理器配置
type Config struct {
	DevToolsURL string
	// ProcessTimeout 单次 CDP 调用的超时
	ProcessTimeout time.Duration
	Frames         Frames
	Events         chan model.Event
	Logger         logger.Logger
}

// Manager 管理已附加的标签页
type Manager struct {
	devtoolsURL string
	timeout     time.Duration
	events      chan model.Event
	log         logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	frames  Frames
	targets map[model.TargetID]*targetSession
}

// targetSession 单个标签页的连接
type targetSession struct {
	id     model.TargetID
	conn   *rpcc.Conn
	client *cdp.Client
	ctx    context.Context
	cancel context.CancelFunc
	log    logger.Logger

	// 以下字段只在事件协程中访问
	blocked map[model.FrameID]bool
}

// New 创建管理器
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		devtoolsURL: cfg.DevToolsURL,
		timeout:     cfg.ProcessTimeout,
		frames:      cfg.Frames,
		events:      cfg.Events,
		log:         cfg.Logger.With("component", "cdp"),
		ctx:         ctx,
		cancel:      cancel,
		targets:     make(map[model.TargetID]*targetSession),
	}
}

// SetFrames 设置帧处理器；附加之前未设置时事件被丢弃
func (m *Manager) SetFrames(f Frames) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = f
}

// handler 当前帧处理器，未设置时返回丢弃事件的实现
func (m *Manager) handler() Frames {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frames == nil {
		return nopFrames{}
	}
	return m.frames
}

type nopFrames struct{}

func (nopFrames) FrameNavigated(context.Context, model.FrameInfo)    {}
func (nopFrames) FrameStage(model.TabID, model.FrameID, model.RunAt) {}
func (nopFrames) FrameDetached(model.TabID, model.FrameID)           {}
func (nopFrames) TabClosed(model.TabID)                              {}

// ListTargets 列出浏览器中的页面目标
func (m *Manager) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取目标列表失败: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		_, attached := m.targets[model.TargetID(t.ID)]
		out = append(out, model.TargetInfo{
			ID:        model.TargetID(t.ID),
			Type:      string(t.Type),
			URL:       t.URL,
			Title:     t.Title,
			IsCurrent: attached,
			IsUser:    isUserPage(t.URL),
		})
	}
	return out, nil
}

func isUserPage(u string) bool {
	for _, p := range []string{"devtools://", "chrome://", "chrome-extension://", "edge://"} {
		if len(u) >= len(p) && u[:len(p)] == p {
			return false
		}
	}
	return true
}

// AttachTarget 附加到标签页；target 为空时选择第一个页面
func (m *Manager) AttachTarget(ctx context.Context, target model.TargetID) (model.TargetID, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return "", fmt.Errorf("获取目标列表失败: %w", err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		if target == "" || model.TargetID(t.ID) == target {
			sel = t
			break
		}
	}
	if sel == nil {
		return "", ErrNoTarget
	}
	id := model.TargetID(sel.ID)

	m.mu.Lock()
	if _, ok := m.targets[id]; ok {
		m.mu.Unlock()
		return id, nil
	}
	m.mu.Unlock()

	tctx, cancel := context.WithCancel(m.ctx)
	conn, err := rpcc.DialContext(tctx, sel.WebSocketDebuggerURL)
	if err != nil {
		cancel()
		return "", fmt.Errorf("连接目标失败: %w", err)
	}
	ts := &targetSession{
		id:      id,
		conn:    conn,
		client:  cdp.NewClient(conn),
		ctx:     tctx,
		cancel:  cancel,
		log:     m.log.With("target", string(id)),
		blocked: make(map[model.FrameID]bool),
	}
	m.mu.Lock()
	m.targets[id] = ts
	m.mu.Unlock()
	if err := m.enable(ts); err != nil {
		m.mu.Lock()
		delete(m.targets, id)
		m.mu.Unlock()
		cancel()
		_ = conn.Close()
		return "", err
	}
	ts.log.Info("目标已附加", "url", sel.URL)
	m.sendEvent(model.Event{Type: "attached", Tab: model.TabID(id), URL: sel.URL})
	return id, nil
}

// enable 打开事件流后再启用域，避免漏掉首批事件
func (m *Manager) enable(ts *targetSession) error {
	ctx := ts.ctx
	navigated, err := ts.client.Page.FrameNavigated(ctx)
	if err != nil {
		return err
	}
	lifecycle, err := ts.client.Page.LifecycleEvent(ctx)
	if err != nil {
		return err
	}
	detached, err := ts.client.Page.FrameDetached(ctx)
	if err != nil {
		return err
	}
	responses, err := ts.client.Network.ResponseReceived(ctx)
	if err != nil {
		return err
	}
	if err := cdp.Sync(responses, navigated, lifecycle, detached); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := ts.client.Network.Enable(cctx, network.NewEnableArgs()); err != nil {
		return fmt.Errorf("启用 Network 失败: %w", err)
	}
	if err := ts.client.Page.Enable(cctx); err != nil {
		return fmt.Errorf("启用 Page 失败: %w", err)
	}
	if err := ts.client.Page.SetLifecycleEventsEnabled(cctx, page.NewSetLifecycleEventsEnabledArgs(true)); err != nil {
		return fmt.Errorf("启用生命周期事件失败: %w", err)
	}

	// 已存在的帧按导航处理
	tree, err := ts.client.Page.GetFrameTree(cctx)
	if err != nil {
		return fmt.Errorf("获取帧树失败: %w", err)
	}

	go m.consume(ts, tree.FrameTree, responses, navigated, lifecycle, detached)
	return nil
}

// consume 按协议顺序处理事件，连接断开视为标签页关闭
func (m *Manager) consume(
	ts *targetSession,
	tree page.FrameTree,
	responses network.ResponseReceivedClient,
	navigated page.FrameNavigatedClient,
	lifecycle page.LifecycleEventClient,
	detached page.FrameDetachedClient,
) {
	defer func() {
		_ = responses.Close()
		_ = navigated.Close()
		_ = lifecycle.Close()
		_ = detached.Close()
		m.drop(ts)
	}()
	tab := model.TabID(ts.id)
	m.walk(ts, tree)

	for {
		select {
		case <-ts.ctx.Done():
			return
		case <-ts.conn.Context().Done():
			return

		case <-responses.Ready():
			ev, err := responses.Recv()
			if err != nil {
				return
			}
			if ev.Type != network.ResourceTypeDocument || ev.FrameID == nil {
				continue
			}
			frame := model.FrameID(*ev.FrameID)
			ts.blocked[frame] = adapter.BlocksInjection(adapter.ToHeader(ev.Response.Headers))

		case <-navigated.Ready():
			ev, err := navigated.Recv()
			if err != nil {
				return
			}
			info := adapter.ToFrameInfo(tab, ev.Frame)
			info.InjectBlocked = ts.blocked[info.Frame]
			ts.log.Debug("帧已导航", "frame", string(info.Frame), "url", info.URL)
			m.handler().FrameNavigated(ts.ctx, info)

		case <-lifecycle.Ready():
			ev, err := lifecycle.Recv()
			if err != nil {
				return
			}
			stage, ok := adapter.StageOf(ev.Name)
			if !ok {
				continue
			}
			m.handler().FrameStage(tab, model.FrameID(ev.FrameID), stage)

		case <-detached.Ready():
			ev, err := detached.Recv()
			if err != nil {
				return
			}
			frame := model.FrameID(ev.FrameID)
			delete(ts.blocked, frame)
			m.handler().FrameDetached(tab, frame)
		}
	}
}

// walk 附加时把现有帧按父子顺序交给处理器，并视为已到达 document-idle
func (m *Manager) walk(ts *targetSession, tree page.FrameTree) {
	h := m.handler()
	tab := model.TabID(ts.id)
	info := adapter.ToFrameInfo(tab, tree.Frame)
	h.FrameNavigated(ts.ctx, info)
	h.FrameStage(tab, info.Frame, model.RunAtDocumentIdle)
	for _, child := range tree.ChildFrames {
		m.walk(ts, child)
	}
}

// drop 移除已断开的目标并通知处理器
func (m *Manager) drop(ts *targetSession) {
	m.mu.Lock()
	cur, ok := m.targets[ts.id]
	if ok && cur == ts {
		delete(m.targets, ts.id)
	}
	m.mu.Unlock()
	ts.cancel()
	_ = ts.conn.Close()
	m.handler().TabClosed(model.TabID(ts.id))
	ts.log.Info("目标已分离")
	m.sendEvent(model.Event{Type: "detached", Tab: model.TabID(ts.id)})
}

// DetachTarget 分离标签页
func (m *Manager) DetachTarget(id model.TargetID) error {
	m.mu.Lock()
	ts, ok := m.targets[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotAttached
	}
	// consume 退出时完成清理
	ts.cancel()
	return nil
}

// Attached 已附加的目标
func (m *Manager) Attached() []model.TargetID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.TargetID, 0, len(m.targets))
	for id := range m.targets {
		out = append(out, id)
	}
	return out
}

// Close 分离全部目标
func (m *Manager) Close() {
	m.cancel()
}

// session 取标签页连接
func (m *Manager) session(tab model.TabID) (*targetSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.targets[model.TargetID(tab)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", tab, ErrNotAttached)
	}
	return ts, nil
}

// first 任取一个已附加的连接，用于浏览器级别的调用
func (m *Manager) first() (*targetSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ts := range m.targets {
		return ts, nil
	}
	return nil, ErrNotAttached
}

// sendEvent 安全发送事件到通道，自动添加时间戳
func (m *Manager) sendEvent(evt model.Event) {
	if m.events == nil {
		return
	}
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case m.events <- evt:
	default:
	}
}
