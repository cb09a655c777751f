package api

import (
	"cdpmonkey/internal/config"
	"cdpmonkey/internal/logger"
	"cdpmonkey/internal/service"
	"cdpmonkey/pkg/model"
)

// Service 服务接口
type Service interface {
	// StartSession 启动会话
	StartSession(cfg model.SessionConfig) (model.SessionID, error)

	// StopSession 停止会话
	StopSession(id model.SessionID) error

	// AttachTarget 附加目标，target 为空时附加第一个页面
	AttachTarget(id model.SessionID, target model.TargetID) (model.TargetID, error)

	// DetachTarget 分离目标
	DetachTarget(id model.SessionID, target model.TargetID) error

	// ListTargets 列出目标
	ListTargets(id model.SessionID) ([]model.TargetInfo, error)

	// InstallScript 安装或更新用户脚本
	InstallScript(code string, force bool) (*model.Script, error)

	// ListScripts 列出已安装脚本
	ListScripts() ([]*model.Script, error)

	// EnableScript 启用或停用脚本
	EnableScript(id model.ScriptID, enabled bool) error

	// RemoveScript 删除脚本
	RemoveScript(id model.ScriptID) error

	// SetBlacklist 替换全局黑名单
	SetBlacklist(lines []string)

	// ListMenuCommands 列出菜单命令
	ListMenuCommands(id model.SessionID, tab model.TabID) ([]model.MenuCommand, error)

	// InvokeMenuCommand 触发菜单命令
	InvokeMenuCommand(id model.SessionID, command string) error

	// NotificationClicked 通知被点击
	NotificationClicked(id model.SessionID, notification string) error

	// NotificationClosed 通知被关闭
	NotificationClosed(id model.SessionID, notification string) error

	// Badge 标签页已注入的脚本数
	Badge(id model.SessionID, tab model.TabID) (int, error)

	// SubscribeEvents 订阅事件
	SubscribeEvents(id model.SessionID) (<-chan model.Event, error)

	// Close 关闭服务
	Close() error
}

// NewService 创建并返回服务接口实现
func NewService(cfg *config.Config, l logger.Logger) (Service, error) {
	return service.New(cfg, l)
}
