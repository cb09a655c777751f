package bridge

import (
	"context"
	"errors"
	"sync"

	"cdpmonkey/internal/logger"
	"cdpmonkey/pkg/model"
)

var ErrInjectionBlocked = errors.New("direct injection blocked by page policy")

// Injection 交给页面环境的注入数据
type Injection struct {
	PageID    string              `json:"pageId"`
	ContentID string              `json:"contentId"`
	Info      model.FrameInfo     `json:"info"`
	Bag       *model.InjectionBag `json:"bag"`
}

// Injector 页面环境的直接注入入口
type Injector interface {
	Inject(inj Injection) error
}

// 页面可以发往后台的命令
var toBackground = map[Cmd]bool{
	CmdGetCorrelationID:      true,
	CmdIssueNetworkRequest:   true,
	CmdAbortRequest:          true,
	CmdSetValue:              true,
	CmdAddStyle:              true,
	CmdOpenTab:               true,
	CmdShowNotification:      true,
	CmdSetClipboard:          true,
	CmdRegisterMenuCommand:   true,
	CmdUnregisterMenuCommand: true,
	CmdScriptError:           true,
}

// 后台可以发往页面的命令
var toPage = map[Cmd]bool{
	CmdCorrelationIDIssued: true,
	CmdNetworkEvent:        true,
	CmdValueUpdated:        true,
	CmdCommandInvoked:      true,
	CmdNotificationClicked: true,
	CmdNotificationClosed:  true,
}

// Bridge 单个帧的内容桥，在页面环境与后台之间转发消息
type Bridge struct {
	info      model.FrameInfo
	pageID    string
	contentID string

	page     *Port
	bg       *Port
	injector Injector
	oneshot  *OneShot
	log      logger.Logger

	state stateMachine

	mu     sync.Mutex
	stages []string
	tokens []string

	closed chan struct{}
	once   sync.Once
}

// Config 内容桥依赖
type Config struct {
	Info     model.FrameInfo
	Page     *Port
	Back     *Port
	Injector Injector
	OneShot  *OneShot
	Logger   logger.Logger
}

// New 创建内容桥，环境标识在此随机生成
func New(cfg Config) *Bridge {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	shot := cfg.OneShot
	if shot == nil {
		shot = NewOneShot()
	}
	b := &Bridge{
		info:      cfg.Info,
		pageID:    NewRealmID("page"),
		contentID: NewRealmID("content"),
		page:      cfg.Page,
		bg:        cfg.Back,
		injector:  cfg.Injector,
		oneshot:   shot,
		closed:    make(chan struct{}),
	}
	b.log = l.With("tab", string(cfg.Info.Tab), "frame", string(cfg.Info.Frame))
	return b
}

// PageID 页面环境标识
func (b *Bridge) PageID() string { return b.pageID }

// ContentID 内容桥标识
func (b *Bridge) ContentID() string { return b.contentID }

// State 当前状态
func (b *Bridge) State() State { return b.state.get() }

// Done 拆除后关闭
func (b *Bridge) Done() <-chan struct{} { return b.closed }

// Start 建立通道并向后台请求注入数据
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.state.to(StateEstablished); err != nil {
		return err
	}
	req := InjectedDataRequest{URL: b.info.URL, Top: b.info.IsTop(), Frame: string(b.info.Frame)}
	if err := b.bg.Send(MustEnvelope(CmdGetInjectedData, req)); err != nil {
		b.Close()
		return err
	}
	go b.run(ctx)
	return nil
}

func (b *Bridge) run(ctx context.Context) {
	defer b.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		case <-b.bg.Done():
			return
		case <-b.page.Done():
			return
		case e := <-b.bg.Recv():
			b.fromBackground(e)
		case e := <-b.page.Recv():
			b.fromPage(e)
		}
	}
}

func (b *Bridge) fromBackground(e Envelope) {
	if e.Cmd == CmdLoadScriptSet {
		var bag model.InjectionBag
		if err := e.Decode(&bag); err != nil {
			b.log.Err(err, "注入数据解析失败")
			return
		}
		b.inject(&bag)
		return
	}
	if !toPage[e.Cmd] {
		b.log.Warn("丢弃后台消息", "cmd", string(e.Cmd))
		return
	}
	e.To, e.From = b.pageID, b.contentID
	_ = b.page.Send(e)
}

func (b *Bridge) fromPage(e Envelope) {
	if e.To != b.contentID {
		b.log.Warn("丢弃目标不符的页面消息", "cmd", string(e.Cmd))
		return
	}
	if e.Cmd == CmdAdvancedInjectionComplete {
		b.activate()
		return
	}
	if !toBackground[e.Cmd] {
		b.log.Warn("丢弃未授权的页面命令", "cmd", string(e.Cmd))
		return
	}
	e.To, e.From = "", b.contentID
	_ = b.bg.Send(e)
}

// inject 先尝试直接注入，被页面策略阻止时走两阶段的 inject-advanced
func (b *Bridge) inject(bag *model.InjectionBag) {
	inj := Injection{PageID: b.pageID, ContentID: b.contentID, Info: b.info, Bag: bag}
	err := b.injector.Inject(inj)
	if err == nil {
		b.activate()
		return
	}
	if !errors.Is(err, ErrInjectionBlocked) {
		b.log.Err(err, "直接注入失败，拆除内容桥")
		b.Close()
		return
	}
	b.log.Info("直接注入被阻止，改用 inject-advanced")
	token := b.oneshot.Register(func() (any, error) { return inj, nil })
	b.mu.Lock()
	b.tokens = append(b.tokens, token)
	b.mu.Unlock()
	_ = b.page.Send(MustEnvelope(CmdInjectAdvanced, AdvancedInjection{Token: token}))
}

func (b *Bridge) activate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.state.to(StateActive); err != nil {
		b.log.Warn("状态切换失败", "error", err)
		return
	}
	for _, s := range b.stages {
		b.sendStage(s)
	}
	b.stages = nil
	b.log.Debug("内容桥已激活")
}

// RunStage 通知页面环境进入新的注入时机；未激活时先排队，拆除后丢弃
func (b *Bridge) RunStage(stage model.RunAt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state.get() {
	case StateActive:
		b.sendStage(string(stage))
	case StateTornDown:
	default:
		b.stages = append(b.stages, string(stage))
	}
}

func (b *Bridge) sendStage(stage string) {
	e := MustEnvelope(CmdRunStage, StagePayload{Stage: stage})
	e.To, e.From = b.pageID, b.contentID
	_ = b.page.Send(e)
}

// Close 拆除通道，撤销未领取的令牌并丢弃排队的阶段
func (b *Bridge) Close() {
	b.once.Do(func() {
		_ = b.state.to(StateTornDown)
		b.mu.Lock()
		for _, t := range b.tokens {
			b.oneshot.Revoke(t)
		}
		b.tokens = nil
		b.stages = nil
		b.mu.Unlock()
		b.page.Close()
		b.bg.Close()
		close(b.closed)
		b.log.Debug("内容桥已拆除")
	})
}
