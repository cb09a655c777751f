package session

import (
	"sync"
	"time"

	"cdpmonkey/internal/background"
	"cdpmonkey/internal/cdp"
	"cdpmonkey/internal/handler"
	"cdpmonkey/internal/logger"
	"cdpmonkey/internal/rules"
	"cdpmonkey/pkg/model"
)

// subscriberBuffer 单个订阅者的事件缓冲，满了丢弃
const subscriberBuffer = 256

// Options 会话依赖，存储与规则在会话之间共享
type Options struct {
	Config        model.SessionConfig
	Store         background.Store
	Rules         *rules.Engine
	Proxy         background.ProxyOptions
	ScriptTimeout time.Duration
	PortBuffer    int
	Version       string
	Logger        logger.Logger
}

// Session 一个浏览器连接：CDP 管理器、后台、帧处理器及事件分发
type Session struct {
	ID         model.SessionID
	Config     model.SessionConfig
	Manager    *cdp.Manager
	Background *background.Service
	Handler    *handler.Handler

	log    logger.Logger
	events chan model.Event
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs []chan model.Event
}

// New 组装会话
func New(id model.SessionID, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	l := opts.Logger.With("session", string(id))
	events := make(chan model.Event, subscriberBuffer)

	m := cdp.New(cdp.Config{
		DevToolsURL:    opts.Config.DevToolsURL,
		ProcessTimeout: time.Duration(opts.Config.ProcessTimeoutMS) * time.Millisecond,
		Events:         events,
		Logger:         l,
	})
	proxy := opts.Proxy
	proxy.Jar = m.CookieJar()
	proxy.Logger = l
	bg := background.New(background.Options{
		Store:      opts.Store,
		Browser:    m,
		Rules:      opts.Rules,
		Proxy:      background.NewProxy(proxy),
		Logger:     l,
		PortBuffer: opts.PortBuffer,
		Events:     events,
	})
	h := handler.New(handler.Config{
		Background:    bg,
		ScriptTimeout: opts.ScriptTimeout,
		PortBuffer:    opts.PortBuffer,
		Version:       opts.Version,
		Events:        events,
		Logger:        l,
	})
	m.SetFrames(h)

	s := &Session{
		ID:         id,
		Config:     opts.Config,
		Manager:    m,
		Background: bg,
		Handler:    h,
		log:        l,
		events:     events,
		done:       make(chan struct{}),
	}
	go s.fanout()
	return s
}

// fanout 给事件加上会话标识后分发给订阅者
func (s *Session) fanout() {
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.events:
			evt.Session = s.ID
			s.mu.Lock()
			for _, ch := range s.subs {
				select {
				case ch <- evt:
				default:
				}
			}
			s.mu.Unlock()
		}
	}
}

// Subscribe 订阅会话事件，会话关闭时通道随之关闭
func (s *Session) Subscribe() <-chan model.Event {
	ch := make(chan model.Event, subscriberBuffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		close(ch)
	default:
		s.subs = append(s.subs, ch)
	}
	return ch
}

// Close 分离全部目标并停止后台
func (s *Session) Close() {
	s.once.Do(func() {
		s.Manager.Close()
		s.Handler.Close()
		s.Background.Close()
		s.mu.Lock()
		close(s.done)
		for _, ch := range s.subs {
			close(ch)
		}
		s.subs = nil
		s.mu.Unlock()
		s.log.Info("会话已关闭")
	})
}
