package model

import (
	"net/url"
	"strconv"
	"strings"
)

type SessionID string
type TargetID string
type TabID string
type FrameID string
type ScriptID int64

// RunAt 脚本注入时机
type RunAt string

const (
	RunAtDocumentStart RunAt = "document-start"
	RunAtDocumentBody  RunAt = "document-body"
	RunAtDocumentEnd   RunAt = "document-end"
	RunAtDocumentIdle  RunAt = "document-idle"
)

// ParseRunAt 解析 @run-at，未知值回退到 document-end
func ParseRunAt(s string) RunAt {
	switch RunAt(strings.TrimSpace(s)) {
	case RunAtDocumentStart:
		return RunAtDocumentStart
	case RunAtDocumentBody:
		return RunAtDocumentBody
	case RunAtDocumentIdle:
		return RunAtDocumentIdle
	default:
		return RunAtDocumentEnd
	}
}

type SessionConfig struct {
	DevToolsURL      string `json:"devToolsURL"`
	ProcessTimeoutMS int    `json:"processTimeoutMS"`
}

// Meta 脚本头部解析结果
type Meta struct {
	Name         string            `json:"name"`
	Namespace    string            `json:"namespace"`
	Version      string            `json:"version"`
	Description  string            `json:"description"`
	Match        []string          `json:"match"`
	Include      []string          `json:"include"`
	Exclude      []string          `json:"exclude"`
	ExcludeMatch []string          `json:"excludeMatch"`
	Grant        []string          `json:"grant"`
	Require      []string          `json:"require"`
	Resources    map[string]string `json:"resources"`
	RunAt        RunAt             `json:"runAt"`
	NoFrames     bool              `json:"noframes"`
	InjectInto   string            `json:"injectInto"`
	Icon         string            `json:"icon"`
	HomepageURL  string            `json:"homepageURL"`
}

// Custom 用户覆盖项，Orig* 为 true 时保留头部声明的列表
type Custom struct {
	Name             string   `json:"name,omitempty"`
	RunAt            RunAt    `json:"runAt,omitempty"`
	Match            []string `json:"match,omitempty"`
	Include          []string `json:"include,omitempty"`
	Exclude          []string `json:"exclude,omitempty"`
	ExcludeMatch     []string `json:"excludeMatch,omitempty"`
	OrigMatch        *bool    `json:"origMatch,omitempty"`
	OrigInclude      *bool    `json:"origInclude,omitempty"`
	OrigExclude      *bool    `json:"origExclude,omitempty"`
	OrigExcludeMatch *bool    `json:"origExcludeMatch,omitempty"`
	NoFrames         *bool    `json:"noframes,omitempty"`
}

// Keep 返回来源标记的实际值，缺省为 true
func Keep(flag *bool) bool {
	return flag == nil || *flag
}

// ScriptConfig 启用与更新标记
type ScriptConfig struct {
	Enabled      bool `json:"enabled"`
	ShouldUpdate bool `json:"shouldUpdate"`
}

// Script 已安装脚本
type Script struct {
	ID       ScriptID     `json:"id"`
	Meta     Meta         `json:"meta"`
	Custom   Custom       `json:"custom"`
	Config   ScriptConfig `json:"config"`
	Code     string       `json:"code,omitempty"`
	Position int          `json:"position"`
	Warning  string       `json:"warning,omitempty"`
}

// URI 脚本唯一标识，用于值存储和依赖缓存的键
func (s *Script) URI() string {
	ns, name := s.Meta.Namespace, s.Meta.Name
	if ns == "" && name == "" {
		return ":" + formatID(s.ID)
	}
	return url.PathEscape(ns) + ":" + url.PathEscape(name) + ":"
}

// EffectiveRunAt 合并自定义后的注入时机
func (s *Script) EffectiveRunAt() RunAt {
	if s.Custom.RunAt != "" {
		return ParseRunAt(string(s.Custom.RunAt))
	}
	return ParseRunAt(string(s.Meta.RunAt))
}

// EffectiveNoFrames 合并自定义后的 @noframes
func (s *Script) EffectiveNoFrames() bool {
	if s.Custom.NoFrames != nil {
		return *s.Custom.NoFrames
	}
	return s.Meta.NoFrames
}

// DisplayName 展示名称
func (s *Script) DisplayName() string {
	if s.Custom.Name != "" {
		return s.Custom.Name
	}
	if s.Meta.Name != "" {
		return s.Meta.Name
	}
	return "#" + formatID(s.ID)
}

func formatID(id ScriptID) string { return strconv.FormatInt(int64(id), 10) }

// InjectedScript 注入包中的单个脚本
type InjectedScript struct {
	ID       ScriptID `json:"id"`
	URI      string   `json:"uri"`
	Meta     Meta     `json:"meta"`
	Code     string   `json:"code"`
	RunAt    RunAt    `json:"runAt"`
	Position int      `json:"position"`
}

// InjectionBag 单次页面加载的注入数据
type InjectionBag struct {
	Start     []InjectedScript             `json:"start"`
	Body      []InjectedScript             `json:"body"`
	End       []InjectedScript             `json:"end"`
	Idle      []InjectedScript             `json:"idle"`
	Require   map[string]string            `json:"require"`
	Resources map[string]string            `json:"resources"`
	Values    map[string]map[string]string `json:"values"`
}

// NewInjectionBag 创建空注入包
func NewInjectionBag() *InjectionBag {
	return &InjectionBag{
		Require:   make(map[string]string),
		Resources: make(map[string]string),
		Values:    make(map[string]map[string]string),
	}
}

// Stage 按注入时机取出对应桶
func (b *InjectionBag) Stage(at RunAt) []InjectedScript {
	switch at {
	case RunAtDocumentStart:
		return b.Start
	case RunAtDocumentBody:
		return b.Body
	case RunAtDocumentIdle:
		return b.Idle
	default:
		return b.End
	}
}

// Add 将脚本放入对应的桶
func (b *InjectionBag) Add(s InjectedScript) {
	switch s.RunAt {
	case RunAtDocumentStart:
		b.Start = append(b.Start, s)
	case RunAtDocumentBody:
		b.Body = append(b.Body, s)
	case RunAtDocumentIdle:
		b.Idle = append(b.Idle, s)
	default:
		b.End = append(b.End, s)
	}
}

// Len 注入包脚本总数
func (b *InjectionBag) Len() int {
	return len(b.Start) + len(b.Body) + len(b.End) + len(b.Idle)
}

// FrameInfo 帧信息
type FrameInfo struct {
	Tab    TabID   `json:"tab"`
	Frame  FrameID `json:"frame"`
	Parent FrameID `json:"parent,omitempty"`
	URL    string  `json:"url"`
	// InjectBlocked 页面策略阻止直接注入（例如 CSP）
	InjectBlocked bool `json:"injectBlocked"`
}

// IsTop 是否顶层帧
func (f FrameInfo) IsTop() bool { return f.Parent == "" }

// MenuCommand 已注册的菜单命令
type MenuCommand struct {
	ID        string   `json:"id"`
	Caption   string   `json:"caption"`
	AccessKey string   `json:"accessKey,omitempty"`
	Script    ScriptID `json:"script"`
	Tab       TabID    `json:"tab"`
	Frame     FrameID  `json:"frame"`
}

// Notification 通知内容
type Notification struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	Text   string  `json:"text"`
	Image  string  `json:"image,omitempty"`
	Silent bool    `json:"silent,omitempty"`
	Tag    string  `json:"tag,omitempty"`
	Tab    TabID   `json:"tab"`
	Frame  FrameID `json:"frame"`
}

type Event struct {
	Type      string    `json:"type"`
	Session   SessionID `json:"session"`
	Tab       TabID     `json:"tab"`
	Frame     FrameID   `json:"frame"`
	Script    ScriptID  `json:"script,omitempty"`
	URL       string    `json:"url,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

type TargetInfo struct {
	ID        TargetID `json:"id"`
	Type      string   `json:"type"`
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	IsCurrent bool     `json:"isCurrent"`
	IsUser    bool     `json:"isUser"`
}
