// Package background 实现后台进程：所有帧共用的特权服务。
//
// Service 是一个 actor：唯一的循环协程持有全部状态（连接、进行中的请求、
// 菜单、通知、徽标计数），存储读写、代理请求与浏览器操作都在独立协程中完成，
// 结果再投递回循环。
package background

import (
	"context"
	"errors"
	"sync"
	"time"

	"cdpmonkey/internal/bridge"
	"cdpmonkey/internal/logger"
	"cdpmonkey/internal/rules"
	"cdpmonkey/pkg/model"
)

var (
	ErrClosed          = errors.New("background closed")
	ErrUnknownCommand  = errors.New("unknown menu command")
	ErrUnknownNotifier = errors.New("unknown notification")
)

// Store 已安装脚本、脚本值与依赖缓存的外部存储
type Store interface {
	// Scripts 返回全部已安装脚本，按 Position 升序
	Scripts(ctx context.Context) ([]*model.Script, error)
	Values(ctx context.Context, uris []string) (map[string]map[string]string, error)
	// SetValues 合并写入；removed 中的键被删除
	SetValues(ctx context.Context, uri string, changes map[string]string, removed []string) error
	// Cache 按 URL 取依赖缓存，值为 "mime,base64"
	Cache(ctx context.Context, urls []string) (map[string]string, error)
}

// Browser 需要浏览器特权的操作，生产环境由 CDP 实现
type Browser interface {
	AddStyle(ctx context.Context, tab model.TabID, frame model.FrameID, id, css string) error
	OpenTab(ctx context.Context, opener model.TabID, url string, active, insert bool) error
	SetClipboard(ctx context.Context, tab model.TabID, data, mime string) error
	Notify(ctx context.Context, n model.Notification) error
}

// Options 后台依赖
type Options struct {
	Store   Store
	Browser Browser
	Rules   *rules.Engine
	Proxy   *Proxy
	Logger  logger.Logger
	// PortBuffer 帧通道的接收缓冲
	PortBuffer int
	// ActionTimeout 单次浏览器操作或存储访问的超时
	ActionTimeout time.Duration
	Events        chan model.Event
}

// conn 单个帧的连接
type conn struct {
	id       uint64
	info     model.FrameInfo
	port     *bridge.Port
	uris     map[string]bool
	injected int
	log      logger.Logger
}

type pending struct {
	conn   uint64
	cancel context.CancelFunc
}

type menuEntry struct {
	conn uint64
	cmd  model.MenuCommand
}

type noteEntry struct {
	conn uint64
	n    model.Notification
}

// Service 后台服务
type Service struct {
	opts   Options
	log    logger.Logger
	writes *writer

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	done   chan struct{}
	once   sync.Once

	// 以下字段只在循环协程中访问
	seq     uint64
	conns   map[uint64]*conn
	pending map[string]*pending
	menus   map[string]*menuEntry
	notes   map[string]*noteEntry
	badges  map[model.TabID]int
}

// New 创建后台服务并启动循环
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Rules == nil {
		opts.Rules = rules.New(nil)
	}
	if opts.Browser == nil {
		opts.Browser = nopBrowser{log: opts.Logger}
	}
	if opts.Proxy == nil {
		opts.Proxy = NewProxy(ProxyOptions{Logger: opts.Logger})
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		opts:    opts,
		log:     opts.Logger.With("component", "background"),
		writes:  newWriter(),
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan func(), 256),
		done:    make(chan struct{}),
		conns:   make(map[uint64]*conn),
		pending: make(map[string]*pending),
		menus:   make(map[string]*menuEntry),
		notes:   make(map[string]*noteEntry),
		badges:  make(map[model.TabID]int),
	}
	go s.loop()
	return s
}

func (s *Service) loop() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.inbox:
			fn()
		}
	}
}

// post 把任务交给循环；不能在循环协程内调用
func (s *Service) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	case s.inbox <- fn:
		return true
	}
}

// query 在循环中执行 fn 并等待其完成
func (s *Service) query(fn func()) error {
	finished := make(chan struct{})
	if !s.post(func() { fn(); close(finished) }) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Connect 为帧建立后台通道，返回交给内容桥的一端
func (s *Service) Connect(info model.FrameInfo) *bridge.Port {
	mine, theirs := bridge.Pipe("bg", s.opts.PortBuffer)
	if !s.post(func() { s.attach(info, mine) }) {
		mine.Close()
	}
	return theirs
}

func (s *Service) attach(info model.FrameInfo, port *bridge.Port) {
	s.seq++
	c := &conn{
		id:   s.seq,
		info: info,
		port: port,
		uris: make(map[string]bool),
		log:  s.log.With("tab", string(info.Tab), "frame", string(info.Frame)),
	}
	s.conns[c.id] = c
	go s.serve(c)
	c.log.Debug("帧已连接", "url", info.URL)
}

// serve 读取帧消息投递给循环；通道关闭时触发断开清理
func (s *Service) serve(c *conn) {
	for {
		select {
		case <-s.done:
			return
		case e := <-c.port.Recv():
			if !s.post(func() { s.handle(c, e) }) {
				return
			}
		case <-c.port.Done():
			s.post(func() { s.disconnect(c) })
			return
		}
	}
}

// disconnect 清理帧持有的请求、菜单与通知
func (s *Service) disconnect(c *conn) {
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	delete(s.conns, c.id)
	c.port.Close()
	for id, p := range s.pending {
		if p.conn == c.id {
			if p.cancel != nil {
				p.cancel()
			}
			delete(s.pending, id)
		}
	}
	for id, m := range s.menus {
		if m.conn == c.id {
			delete(s.menus, id)
		}
	}
	for id, n := range s.notes {
		if n.conn == c.id {
			delete(s.notes, id)
		}
	}
	if c.injected > 0 {
		if left := s.badges[c.info.Tab] - c.injected; left > 0 {
			s.badges[c.info.Tab] = left
		} else {
			delete(s.badges, c.info.Tab)
		}
	}
	s.sendEvent(model.Event{Type: "disconnected", Tab: c.info.Tab, Frame: c.info.Frame, URL: c.info.URL})
	c.log.Debug("帧已断开")
}

// send 发往帧；通道已关闭时静默丢弃
func (s *Service) send(c *conn, cmd bridge.Cmd, data any) {
	e, err := bridge.NewEnvelope(cmd, data)
	if err != nil {
		c.log.Err(err, "消息序列化失败", "cmd", string(cmd))
		return
	}
	if err := c.port.Send(e); err != nil {
		c.log.Debug("帧通道已关闭，丢弃消息", "cmd", string(cmd))
	}
}

// async 在独立协程中执行带超时的外部操作，失败只记录日志
func (s *Service) async(c *conn, what string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.ActionTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.log.Err(err, "后台操作失败", "action", what)
		}
	}()
}

// sendEvent 安全发送事件到通道，自动添加时间戳
func (s *Service) sendEvent(evt model.Event) {
	if s.opts.Events == nil {
		return
	}
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case s.opts.Events <- evt:
	default:
	}
}

// Menus 列出标签页上已注册的菜单命令
func (s *Service) Menus(tab model.TabID) ([]model.MenuCommand, error) {
	var out []model.MenuCommand
	err := s.query(func() {
		for _, m := range s.menus {
			if m.cmd.Tab == tab {
				out = append(out, m.cmd)
			}
		}
	})
	return out, err
}

// InvokeMenuCommand 用户点击菜单项，回传给注册它的帧
func (s *Service) InvokeMenuCommand(id string) error {
	var err error
	qerr := s.query(func() {
		m, ok := s.menus[id]
		if !ok {
			err = ErrUnknownCommand
			return
		}
		c, ok := s.conns[m.conn]
		if !ok {
			delete(s.menus, id)
			err = ErrUnknownCommand
			return
		}
		s.send(c, bridge.CmdCommandInvoked, bridge.MenuCommand{ID: id, Caption: m.cmd.Caption, Script: int64(m.cmd.Script)})
	})
	return errors.Join(qerr, err)
}

// NotificationClicked 通知被点击
func (s *Service) NotificationClicked(id string) error {
	return s.notify(id, bridge.CmdNotificationClicked, false)
}

// NotificationClosed 通知被关闭，之后不再路由该通知
func (s *Service) NotificationClosed(id string) error {
	return s.notify(id, bridge.CmdNotificationClosed, true)
}

func (s *Service) notify(id string, cmd bridge.Cmd, remove bool) error {
	var err error
	qerr := s.query(func() {
		n, ok := s.notes[id]
		if !ok {
			err = ErrUnknownNotifier
			return
		}
		if remove {
			delete(s.notes, id)
		}
		if c, ok := s.conns[n.conn]; ok {
			s.send(c, cmd, bridge.NotificationRef{ID: id})
		}
	})
	return errors.Join(qerr, err)
}

// Badge 标签页已注入的脚本数
func (s *Service) Badge(tab model.TabID) int {
	var n int
	_ = s.query(func() { n = s.badges[tab] })
	return n
}

// CloseTab 标签页关闭：断开全部帧并清空徽标
func (s *Service) CloseTab(tab model.TabID) {
	_ = s.query(func() {
		for _, c := range s.conns {
			if c.info.Tab == tab {
				s.disconnect(c)
			}
		}
		delete(s.badges, tab)
	})
	s.opts.Proxy.ForgetTab(tab)
}

// Close 停止服务，关闭所有帧通道并取消进行中的请求
func (s *Service) Close() {
	s.once.Do(func() {
		_ = s.query(func() {
			for _, c := range s.conns {
				s.disconnect(c)
			}
		})
		s.cancel()
		close(s.done)
		s.writes.close()
	})
}

// nopBrowser 未接入浏览器时只记录请求
type nopBrowser struct{ log logger.Logger }

func (b nopBrowser) AddStyle(_ context.Context, tab model.TabID, frame model.FrameID, id, _ string) error {
	b.log.Debug("add-style 未接入浏览器", "tab", string(tab), "frame", string(frame), "id", id)
	return nil
}

func (b nopBrowser) OpenTab(_ context.Context, opener model.TabID, url string, _, _ bool) error {
	b.log.Debug("open-tab 未接入浏览器", "opener", string(opener), "url", url)
	return nil
}

func (b nopBrowser) SetClipboard(_ context.Context, tab model.TabID, _, mime string) error {
	b.log.Debug("set-clipboard 未接入浏览器", "tab", string(tab), "type", mime)
	return nil
}

func (b nopBrowser) Notify(_ context.Context, n model.Notification) error {
	b.log.Debug("notification 未接入浏览器", "id", n.ID, "title", n.Title)
	return nil
}
