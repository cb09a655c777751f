// Package service 组装存储、安装器与会话，对外提供宿主操作
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cdpmonkey/internal/background"
	"cdpmonkey/internal/config"
	"cdpmonkey/internal/deps"
	"cdpmonkey/internal/logger"
	"cdpmonkey/internal/rules"
	"cdpmonkey/internal/session"
	"cdpmonkey/internal/storage"
	"cdpmonkey/pkg/model"
)

var ErrSessionNotFound = errors.New("session not found")

// Service 宿主服务实现
type Service struct {
	cfg       *config.Config
	log       logger.Logger
	store     *storage.Store
	rules     *rules.Engine
	installer *deps.Installer
	sessions  *session.Manager
}

// New 打开存储并创建服务
func New(cfg *config.Config, l logger.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if l == nil {
		l = logger.NewNop()
	}
	st, err := storage.Open(storage.Options{DSN: cfg.Sqlite.Dsn, Prefix: cfg.Sqlite.Prefix, Logger: l})
	if err != nil {
		return nil, err
	}
	engine := rules.New(cfg.Blacklist)
	fetcher := deps.NewFetcher(deps.FetcherOptions{
		Timeout:   time.Duration(cfg.Proxy.TimeoutMS) * time.Millisecond,
		UserAgent: "cdpmonkey/" + cfg.Version,
		Logger:    l,
	})
	return &Service{
		cfg:       cfg,
		log:       l,
		store:     st,
		rules:     engine,
		installer: deps.NewInstaller(st, fetcher, engine, l),
		sessions:  session.NewManager(l),
	}, nil
}

func (s *Service) session(id model.SessionID) (*session.Session, error) {
	ss, ok := s.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	return ss, nil
}

// timeout 宿主操作的超时，取单次 CDP 调用超时的 5 倍
func (s *Service) timeout() (context.Context, context.CancelFunc) {
	d := 5 * time.Duration(s.cfg.DevTools.ProcessTimeoutMS) * time.Millisecond
	if d <= 0 {
		d = 15 * time.Second
	}
	return context.WithTimeout(context.Background(), d)
}

// StartSession 启动会话；未填写的字段取配置文件的值
func (s *Service) StartSession(cfg model.SessionConfig) (model.SessionID, error) {
	if cfg.DevToolsURL == "" {
		cfg.DevToolsURL = s.cfg.DevTools.URL
	}
	if cfg.ProcessTimeoutMS <= 0 {
		cfg.ProcessTimeoutMS = s.cfg.DevTools.ProcessTimeoutMS
	}
	id := model.SessionID(uuid.New().String())
	s.sessions.Create(id, session.Options{
		Config: cfg,
		Store:  s.store,
		Rules:  s.rules,
		Proxy: background.ProxyOptions{
			VerifyHeader: s.cfg.Proxy.VerifyHeader,
			Timeout:      time.Duration(s.cfg.Proxy.TimeoutMS) * time.Millisecond,
			RatePerTab:   s.cfg.Proxy.RatePerTab,
			Burst:        s.cfg.Proxy.Burst,
			MaxRedirects: s.cfg.Proxy.MaxRedirects,
		},
		ScriptTimeout: time.Duration(s.cfg.Sandbox.ScriptTimeoutMS) * time.Millisecond,
		PortBuffer:    s.cfg.Sandbox.PortBuffer,
		Version:       s.cfg.Version,
		Logger:        s.log,
	})
	return id, nil
}

// StopSession 停止会话
func (s *Service) StopSession(id model.SessionID) error {
	if !s.sessions.Delete(id) {
		return fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	return nil
}

// AttachTarget 附加目标，返回实际附加的目标
func (s *Service) AttachTarget(id model.SessionID, target model.TargetID) (model.TargetID, error) {
	ss, err := s.session(id)
	if err != nil {
		return "", err
	}
	ctx, cancel := s.timeout()
	defer cancel()
	return ss.Manager.AttachTarget(ctx, target)
}

// DetachTarget 分离目标
func (s *Service) DetachTarget(id model.SessionID, target model.TargetID) error {
	ss, err := s.session(id)
	if err != nil {
		return err
	}
	return ss.Manager.DetachTarget(target)
}

// ListTargets 列出目标
func (s *Service) ListTargets(id model.SessionID) ([]model.TargetInfo, error) {
	ss, err := s.session(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.timeout()
	defer cancel()
	return ss.Manager.ListTargets(ctx)
}

// InstallScript 安装或更新脚本，新脚本在下一次导航时生效
func (s *Service) InstallScript(code string, force bool) (*model.Script, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return s.installer.Install(ctx, deps.Request{Code: code, Force: force})
}

// ListScripts 列出已安装脚本
func (s *Service) ListScripts() ([]*model.Script, error) {
	ctx, cancel := s.timeout()
	defer cancel()
	return s.store.Scripts(ctx)
}

// EnableScript 启用或停用脚本
func (s *Service) EnableScript(id model.ScriptID, enabled bool) error {
	ctx, cancel := s.timeout()
	defer cancel()
	return s.store.SetEnabled(ctx, id, enabled)
}

// RemoveScript 删除脚本及其值
func (s *Service) RemoveScript(id model.ScriptID) error {
	ctx, cancel := s.timeout()
	defer cancel()
	return s.store.Remove(ctx, id)
}

// SetBlacklist 替换全局黑名单
func (s *Service) SetBlacklist(lines []string) {
	s.rules.SetBlacklist(lines)
	s.log.Info("黑名单已更新", "rules", len(lines))
}

// ListMenuCommands 列出标签页上已注册的菜单命令
func (s *Service) ListMenuCommands(id model.SessionID, tab model.TabID) ([]model.MenuCommand, error) {
	ss, err := s.session(id)
	if err != nil {
		return nil, err
	}
	return ss.Background.Menus(tab)
}

// InvokeMenuCommand 触发菜单命令
func (s *Service) InvokeMenuCommand(id model.SessionID, command string) error {
	ss, err := s.session(id)
	if err != nil {
		return err
	}
	return ss.Background.InvokeMenuCommand(command)
}

// NotificationClicked 通知被点击
func (s *Service) NotificationClicked(id model.SessionID, notification string) error {
	ss, err := s.session(id)
	if err != nil {
		return err
	}
	return ss.Background.NotificationClicked(notification)
}

// NotificationClosed 通知被关闭
func (s *Service) NotificationClosed(id model.SessionID, notification string) error {
	ss, err := s.session(id)
	if err != nil {
		return err
	}
	return ss.Background.NotificationClosed(notification)
}

// Badge 标签页已注入的脚本数
func (s *Service) Badge(id model.SessionID, tab model.TabID) (int, error) {
	ss, err := s.session(id)
	if err != nil {
		return 0, err
	}
	return ss.Background.Badge(tab), nil
}

// SubscribeEvents 订阅事件
func (s *Service) SubscribeEvents(id model.SessionID) (<-chan model.Event, error) {
	ss, err := s.session(id)
	if err != nil {
		return nil, err
	}
	return ss.Subscribe(), nil
}

// Close 关闭全部会话与存储
func (s *Service) Close() error {
	s.sessions.Close()
	return s.store.Close()
}
