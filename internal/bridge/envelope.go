package bridge

import (
	"encoding/json"
	"fmt"
)

// Cmd 消息命令
type Cmd string

const (
	CmdGetInjectedData           Cmd = "get-injected-data"
	CmdLoadScriptSet             Cmd = "load-script-set"
	CmdRunStage                  Cmd = "run-stage"
	CmdRegisterMenuCommand       Cmd = "register-menu-command"
	CmdUnregisterMenuCommand     Cmd = "unregister-menu-command"
	CmdCommandInvoked            Cmd = "command-invoked"
	CmdGetCorrelationID          Cmd = "get-correlation-id"
	CmdCorrelationIDIssued       Cmd = "correlation-id-issued"
	CmdIssueNetworkRequest       Cmd = "issue-network-request"
	CmdNetworkEvent              Cmd = "network-event"
	CmdAbortRequest              Cmd = "abort-request"
	CmdSetValue                  Cmd = "set-value"
	CmdValueUpdated              Cmd = "value-updated"
	CmdAddStyle                  Cmd = "add-style"
	CmdOpenTab                   Cmd = "open-tab"
	CmdShowNotification          Cmd = "show-notification"
	CmdNotificationClicked       Cmd = "notification-clicked"
	CmdNotificationClosed        Cmd = "notification-closed"
	CmdSetClipboard              Cmd = "set-clipboard"
	CmdInjectAdvanced            Cmd = "inject-advanced"
	CmdAdvancedInjectionComplete Cmd = "advanced-injection-complete"
	CmdScriptError               Cmd = "script-error"
)

// Envelope 跨环境消息信封，Data 始终是 JSON，不共享任何指针
type Envelope struct {
	Cmd  Cmd             `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
	To   string          `json:"to,omitempty"`
	From string          `json:"from,omitempty"`
}

// NewEnvelope 序列化 data 构造信封
func NewEnvelope(cmd Cmd, data any) (Envelope, error) {
	e := Envelope{Cmd: cmd}
	if data == nil {
		return e, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		e.Data = raw
		return e, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return e, fmt.Errorf("marshal %s: %w", cmd, err)
	}
	e.Data = b
	return e, nil
}

// MustEnvelope 仅用于数据类型确定可序列化的场景
func MustEnvelope(cmd Cmd, data any) Envelope {
	e, err := NewEnvelope(cmd, data)
	if err != nil {
		panic(err)
	}
	return e
}

// Decode 反序列化 Data
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty data", e.Cmd)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Cmd, err)
	}
	return nil
}

// 以下为各命令的负载结构

type InjectedDataRequest struct {
	URL   string `json:"url"`
	Top   bool   `json:"top"`
	Frame string `json:"frame"`
}

type StagePayload struct {
	Stage string `json:"stage"`
}

type CallKey struct {
	Key string `json:"key"`
}

type CorrelationIssued struct {
	Key string `json:"key"`
	ID  string `json:"id"`
}

// RequestDetails GM_xmlhttpRequest 的请求参数，DataBase64 表示 Data 为 base64 二进制
type RequestDetails struct {
	ID           string            `json:"id"`
	Script       int64             `json:"script"`
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	Data         string            `json:"data,omitempty"`
	DataBase64   bool              `json:"dataBase64,omitempty"`
	ResponseType string            `json:"responseType,omitempty"`
	TimeoutMS    int               `json:"timeout,omitempty"`
	User         string            `json:"user,omitempty"`
	Password     string            `json:"password,omitempty"`
	Anonymous    bool              `json:"anonymous,omitempty"`
	OverrideMime string            `json:"overrideMimeType,omitempty"`
}

// NetworkEvent 代理请求的生命周期事件
type NetworkEvent struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	ReadyState       int    `json:"readyState"`
	Status           int    `json:"status,omitempty"`
	StatusText       string `json:"statusText,omitempty"`
	FinalURL         string `json:"finalUrl,omitempty"`
	ResponseHeaders  string `json:"responseHeaders,omitempty"`
	Response         string `json:"response,omitempty"`
	ResponseEncoding string `json:"responseEncoding,omitempty"`
	Loaded           int64  `json:"loaded,omitempty"`
	Total            int64  `json:"total,omitempty"`
	LengthComputable bool   `json:"lengthComputable,omitempty"`
	Error            string `json:"error,omitempty"`
}

type AbortRequest struct {
	ID string `json:"id"`
}

type ValueChange struct {
	URI string `json:"uri"`
	Key string `json:"key"`
	// Raw 为空表示删除
	Raw string `json:"raw,omitempty"`
}

type ValueUpdate struct {
	URI     string            `json:"uri"`
	Changes map[string]string `json:"changes"`
	Removed []string          `json:"removed,omitempty"`
}

type Style struct {
	ID  string `json:"id"`
	CSS string `json:"css"`
}

type OpenTab struct {
	URL    string `json:"url"`
	Active bool   `json:"active"`
	Insert bool   `json:"insert"`
	Script int64  `json:"script"`
}

type NotificationRequest struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Image  string `json:"image,omitempty"`
	Silent bool   `json:"silent,omitempty"`
	Tag    string `json:"tag,omitempty"`
	Script int64  `json:"script"`
}

type NotificationRef struct {
	ID string `json:"id"`
}

type Clipboard struct {
	Data string `json:"data"`
	Type string `json:"type"`
}

type MenuCommand struct {
	ID        string `json:"id"`
	Caption   string `json:"caption"`
	AccessKey string `json:"accessKey,omitempty"`
	Script    int64  `json:"script"`
}

type AdvancedInjection struct {
	Token string `json:"token"`
}

type ScriptError struct {
	Script int64  `json:"script"`
	Name   string `json:"name"`
	Error  string `json:"error"`
}
