// Package sandbox 实现页面侧的执行环境。
//
// 每个帧环境持有一个 goja 运行时（同源子帧复用父帧的运行时），
// 运行时创建后立即捕获 Vault，之后才允许页面代码或脚本代码运行。
// 脚本以显式的上下文记录作为参数调用，不经过全局查找取得能力对象。
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"cdpmonkey/internal/bridge"
	"cdpmonkey/internal/gmapi"
	"cdpmonkey/internal/logger"
	"cdpmonkey/internal/vault"
	"cdpmonkey/pkg/model"
)

// 注入时机的执行顺序
var stageOrder = []model.RunAt{
	model.RunAtDocumentStart,
	model.RunAtDocumentBody,
	model.RunAtDocumentEnd,
	model.RunAtDocumentIdle,
}

// Config 帧环境配置
type Config struct {
	Info model.FrameInfo
	// Port 与内容桥相连的页面端
	Port          *bridge.Port
	OneShot       *bridge.OneShot
	Handshake     *vault.Handshake
	ScriptTimeout time.Duration
	Version       string
	Logger        logger.Logger
}

// Result 单个脚本的执行结果
type Result struct {
	Script model.ScriptID
	Name   string
	Stage  model.RunAt
	Err    error
}

// Realm 单个帧的页面环境
type Realm struct {
	cfg    Config
	loop   *loop
	vault  *vault.Vault
	router *gmapi.Router
	urls   *gmapi.ObjectURLs
	log    logger.Logger
	child  bool

	// 以下字段只在循环协程中访问
	pageID    string
	contentID string
	bag       *model.InjectionBag
	reached   map[model.RunAt]bool
	ran       map[model.RunAt]bool

	mu      sync.Mutex
	results []Result

	closeOnce sync.Once
}

// New 创建新的运行时与帧环境，并在任何页面代码运行前捕获 Vault
func New(ctx context.Context, cfg Config) (*Realm, error) {
	cfg = withDefaults(cfg)
	vm := goja.New()
	l := newLoop(vm, cfg.ScriptTimeout, cfg.Logger)
	var v *vault.Vault
	err := l.call(func() error {
		if err := l.installPlatform(); err != nil {
			return err
		}
		var err error
		v, err = vault.Capture(vm)
		return err
	})
	if err != nil {
		l.close()
		return nil, fmt.Errorf("create realm: %w", err)
	}
	r := newRealm(cfg, l, v)
	go r.pump(ctx)
	return r, nil
}

// Child 为同源子帧创建共用运行时的环境；Vault 经一次性握手转交
func (r *Realm) Child(ctx context.Context, cfg Config) (*Realm, error) {
	if cfg.Handshake == nil {
		cfg.Handshake = r.cfg.Handshake
	}
	if cfg.OneShot == nil {
		cfg.OneShot = r.cfg.OneShot
	}
	cfg = withDefaults(cfg)
	token := cfg.Handshake.Export(r.vault)
	var v *vault.Vault
	err := r.loop.call(func() error {
		var err error
		v, err = cfg.Handshake.Adopt(token, r.loop.vm)
		return err
	})
	if err != nil {
		cfg.Handshake.Revoke(token)
		return nil, fmt.Errorf("adopt parent vault: %w", err)
	}
	c := newRealm(cfg, r.loop, v)
	c.child = true
	go c.pump(ctx)
	return c, nil
}

func withDefaults(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.OneShot == nil {
		cfg.OneShot = bridge.NewOneShot()
	}
	if cfg.Handshake == nil {
		cfg.Handshake = vault.NewHandshake()
	}
	return cfg
}

func newRealm(cfg Config, l *loop, v *vault.Vault) *Realm {
	log := cfg.Logger.With("tab", string(cfg.Info.Tab), "frame", string(cfg.Info.Frame))
	r := &Realm{
		cfg:     cfg,
		loop:    l,
		vault:   v,
		urls:    gmapi.NewObjectURLs(origin(cfg.Info.URL)),
		log:     log,
		reached: make(map[model.RunAt]bool),
		ran:     make(map[model.RunAt]bool),
	}
	r.router = gmapi.NewRouter(r.post, log)
	return r
}

func origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "null"
	}
	return u.Scheme + "://" + u.Host
}

// Info 帧信息
func (r *Realm) Info() model.FrameInfo { return r.cfg.Info }

// pump 把内容桥发来的消息交给事件循环
func (r *Realm) pump(ctx context.Context) {
	defer r.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.loop.done:
			return
		case <-r.cfg.Port.Done():
			return
		case e := <-r.cfg.Port.Recv():
			if !r.loop.post(func() { r.handle(e) }) {
				return
			}
		}
	}
}

func (r *Realm) handle(e bridge.Envelope) {
	if e.Cmd == bridge.CmdInjectAdvanced {
		r.injectAdvanced(e)
		return
	}
	if r.pageID == "" || e.To != r.pageID {
		r.log.Warn("丢弃目标不符的消息", "cmd", string(e.Cmd))
		return
	}
	if e.Cmd == bridge.CmdRunStage {
		var p bridge.StagePayload
		if err := e.Decode(&p); err != nil {
			r.log.Err(err, "阶段消息解析失败")
			return
		}
		r.reach(model.RunAt(p.Stage))
		return
	}
	if err := r.router.Dispatch(e); err != nil {
		r.log.Warn("消息处理失败", "cmd", string(e.Cmd), "error", err)
	}
}

// Inject 直接注入；页面策略阻止时返回 bridge.ErrInjectionBlocked
func (r *Realm) Inject(inj bridge.Injection) error {
	if r.cfg.Info.InjectBlocked {
		return bridge.ErrInjectionBlocked
	}
	return r.loop.call(func() error { return r.load(inj) })
}

// injectAdvanced 凭令牌领取注入数据，完成后回报内容桥
func (r *Realm) injectAdvanced(e bridge.Envelope) {
	var p bridge.AdvancedInjection
	if err := e.Decode(&p); err != nil {
		r.log.Err(err, "inject-advanced 解析失败")
		return
	}
	v, err := r.cfg.OneShot.Claim(p.Token)
	if err != nil {
		r.log.Warn("inject-advanced 令牌无效", "error", err)
		return
	}
	inj, ok := v.(bridge.Injection)
	if !ok {
		r.log.Warn("inject-advanced 数据类型错误")
		return
	}
	if err := r.load(inj); err != nil {
		r.log.Err(err, "注入失败")
		return
	}
	r.post(bridge.Envelope{Cmd: bridge.CmdAdvancedInjectionComplete})
}

// load 记录注入数据并立即执行 document-start 及之前已到达的阶段
func (r *Realm) load(inj bridge.Injection) error {
	if r.bag != nil {
		return errors.New("realm already injected")
	}
	if inj.Bag == nil {
		inj.Bag = model.NewInjectionBag()
	}
	r.pageID, r.contentID, r.bag = inj.PageID, inj.ContentID, inj.Bag
	r.router.Seed(inj.Bag.Values)
	r.log.Debug("注入数据已载入", "scripts", inj.Bag.Len())
	r.reach(model.RunAtDocumentStart)
	return nil
}

// reach 标记阶段到达；注入后按顺序补齐之前的阶段，每个阶段只执行一次
func (r *Realm) reach(stage model.RunAt) {
	r.reached[stage] = true
	if r.bag == nil {
		return
	}
	last := -1
	for i, s := range stageOrder {
		if r.reached[s] {
			last = i
		}
	}
	for _, s := range stageOrder[:last+1] {
		if r.ran[s] {
			continue
		}
		r.ran[s] = true
		for _, script := range r.bag.Stage(s) {
			// 每个脚本单独排队，各自受超时约束，失败互不影响
			r.loop.post(func() { r.run(script, s) })
		}
	}
}

// run 构造上下文记录并调用脚本入口
func (r *Realm) run(s model.InjectedScript, stage model.RunAt) {
	res := Result{Script: s.ID, Name: s.Meta.Name, Stage: stage}
	res.Err = r.execute(s)
	if res.Err != nil {
		r.log.Warn("脚本执行失败", "script", s.Meta.Name, "error", res.Err)
		r.post(bridge.MustEnvelope(bridge.CmdScriptError, bridge.ScriptError{
			Script: int64(s.ID),
			Name:   s.Meta.Name,
			Error:  res.Err.Error(),
		}))
	}
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func (r *Realm) execute(s model.InjectedScript) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("script panic: %v", p)
		}
	}()
	vm := r.loop.vm
	c, err := gmapi.Build(gmapi.Env{
		Script:    s,
		Frame:     r.cfg.Info,
		Vault:     r.vault,
		Router:    r.router,
		Resources: r.bag.Resources,
		URLs:      r.urls,
		Window:    vm.GlobalObject(),
		Version:   r.cfg.Version,
		Log:       r.log,
	})
	if err != nil {
		return err
	}
	ctx := newContext(c, vm.GlobalObject())
	entry, err := vm.RunScript(scriptName(s), wrap(ctx.names, r.source(s)))
	if err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(entry)
	if !ok {
		return errors.New("script entry is not callable")
	}
	_, err = fn(vm.GlobalObject(), ctx.values...)
	return err
}

// source @require 依次拼接在脚本代码之前
func (r *Realm) source(s model.InjectedScript) string {
	var sb strings.Builder
	for _, u := range s.Meta.Require {
		if code, ok := r.bag.Require[u]; ok {
			sb.WriteString(code)
			sb.WriteString("\n;\n")
		}
	}
	sb.WriteString(s.Code)
	return sb.String()
}

func scriptName(s model.InjectedScript) string {
	return "cdpmonkey://" + s.URI + "/" + url.PathEscape(s.Meta.Name) + ".user.js"
}

// post 发往内容桥
func (r *Realm) post(e bridge.Envelope) error {
	e.To, e.From = r.contentID, r.pageID
	return r.cfg.Port.Send(e)
}

// Eval 在环境中执行页面自身的代码，返回导出的结果
func (r *Realm) Eval(src string) (any, error) {
	var out any
	err := r.loop.call(func() error {
		v, err := r.loop.vm.RunString(src)
		if err != nil {
			return err
		}
		if v != nil {
			out = v.Export()
		}
		return nil
	})
	return out, err
}

// Results 已执行脚本的结果
func (r *Realm) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

// Console 页面 console 输出
func (r *Realm) Console() []LogEntry { return r.loop.consoleEntries() }

// ObjectURLs 环境的 blob: URL 登记表
func (r *Realm) ObjectURLs() *gmapi.ObjectURLs { return r.urls }

// Close 关闭通道；根环境同时停止事件循环
func (r *Realm) Close() {
	r.closeOnce.Do(func() {
		r.cfg.Port.Close()
		r.urls.Revoke()
		if !r.child {
			r.loop.close()
		}
	})
}
