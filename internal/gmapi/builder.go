// Package gmapi 按脚本声明的 @grant 构造冻结的能力对象（GM API）。
//
// 能力对象只包含被授予的操作，每个属性都不可写、不可配置、不可枚举，
// 函数的 toString 与内建函数一致。对象本身经 Vault 中捕获的 Object.freeze 冻结。
package gmapi

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"cdpmonkey/internal/bridge"
	"cdpmonkey/internal/logger"
	"cdpmonkey/internal/vault"
	"cdpmonkey/pkg/model"
)

// HandlerName 脚本管理器名称，出现在 GM_info 中
const HandlerName = "cdpmonkey"

// Env 构造能力对象所需的环境
type Env struct {
	Script    model.InjectedScript
	Frame     model.FrameInfo
	Vault     *vault.Vault
	Router    *Router
	Resources map[string]string
	URLs      *ObjectURLs
	Window    goja.Value
	Version   string
	Log       logger.Logger
}

// Capability 单个脚本的能力对象
type Capability struct {
	Object *goja.Object
	// Names 能力对象上的属性名，按挂载顺序
	Names []string
}

// Get 取出属性值
func (c *Capability) Get(name string) goja.Value {
	v := c.Object.Get(name)
	if v == nil {
		return goja.Undefined()
	}
	return v
}

type builder struct {
	env    Env
	vm     *goja.Runtime
	log    logger.Logger
	values *Values

	obj   *goja.Object
	gm    *goja.Object
	names []string
}

// 同步形式 GM_xxx 的构造函数，按授权名登记
var syncAPI = map[string]func(b *builder) (func(goja.FunctionCall) goja.Value, error){
	"GM_getValue":              (*builder).getValue,
	"GM_setValue":              (*builder).setValue,
	"GM_deleteValue":           (*builder).deleteValue,
	"GM_listValues":            (*builder).listValues,
	"GM_getResourceText":       (*builder).getResourceText,
	"GM_getResourceURL":        (*builder).getResourceURL,
	"GM_addStyle":              (*builder).addStyle,
	"GM_openInTab":             (*builder).openInTab,
	"GM_registerMenuCommand":   (*builder).registerMenuCommand,
	"GM_unregisterMenuCommand": (*builder).unregisterMenuCommand,
	"GM_notification":          (*builder).notification,
	"GM_setClipboard":          (*builder).setClipboard,
	"GM_xmlhttpRequest":        (*builder).xmlhttpRequest,
	"GM_log":                   (*builder).gmLog,
}

// GM.xxx 形式与其同步实现的对应关系；返回 Promise
var asyncAPI = map[string]string{
	"GM.getValue":              "GM_getValue",
	"GM.setValue":              "GM_setValue",
	"GM.deleteValue":           "GM_deleteValue",
	"GM.listValues":            "GM_listValues",
	"GM.getResourceUrl":        "GM_getResourceURL",
	"GM.addStyle":              "GM_addStyle",
	"GM.openInTab":             "GM_openInTab",
	"GM.registerMenuCommand":   "GM_registerMenuCommand",
	"GM.unregisterMenuCommand": "GM_unregisterMenuCommand",
	"GM.setClipboard":          "GM_setClipboard",
	"GM.notification":          "GM_notification",
	"GM.xmlHttpRequest":        "GM_xmlhttpRequest",
}

// Grants 规范化授权列表：去重、排序；none 或空列表返回 nil
func Grants(list []string) []string {
	for _, g := range list {
		if strings.TrimSpace(g) == "none" {
			return nil
		}
	}
	seen := make(map[string]bool)
	var out []string
	for _, g := range list {
		g = strings.TrimSpace(g)
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Build 构造能力对象；未授权的操作不会出现在对象上
func Build(env Env) (*Capability, error) {
	if env.Vault == nil || env.Router == nil {
		return nil, fmt.Errorf("gmapi: vault and router are required")
	}
	if env.Log == nil {
		env.Log = logger.NewNop()
	}
	b := &builder{
		env:    env,
		vm:     env.Vault.Runtime(),
		log:    env.Log.With("script", env.Script.Meta.Name),
		values: env.Router.Values(env.Script.URI),
	}
	b.obj = b.vm.NewObject()
	b.gm = b.vm.NewObject()

	info, err := b.info()
	if err != nil {
		return nil, err
	}
	if err := b.attach(b.obj, "GM_info", info); err != nil {
		return nil, err
	}
	if err := define(env.Vault, b.gm, "info", info); err != nil {
		return nil, err
	}

	for _, g := range Grants(env.Script.Meta.Grant) {
		switch {
		case g == "unsafeWindow":
			w := env.Window
			if w == nil {
				w = b.vm.GlobalObject()
			}
			if err := b.attach(b.obj, g, w); err != nil {
				return nil, err
			}
		case syncAPI[g] != nil:
			fn, err := b.function(g, syncAPI[g])
			if err != nil {
				return nil, err
			}
			if err := b.attach(b.obj, g, fn); err != nil {
				return nil, err
			}
		case asyncAPI[g] != "":
			fn, err := b.promised(g)
			if err != nil {
				return nil, err
			}
			if err := define(env.Vault, b.gm, strings.TrimPrefix(g, "GM."), fn); err != nil {
				return nil, err
			}
		default:
			b.log.Debug("忽略未知授权", "grant", g)
		}
	}
	if err := env.Vault.Freeze(b.gm); err != nil {
		return nil, err
	}
	if err := b.attach(b.obj, "GM", b.gm); err != nil {
		return nil, err
	}
	if err := env.Vault.Freeze(b.obj); err != nil {
		return nil, err
	}
	return &Capability{Object: b.obj, Names: b.names}, nil
}

func (b *builder) attach(obj *goja.Object, name string, val goja.Value) error {
	if err := define(b.env.Vault, obj, name, val); err != nil {
		return err
	}
	b.names = append(b.names, name)
	return nil
}

func (b *builder) function(name string, ctor func(*builder) (func(goja.FunctionCall) goja.Value, error)) (*goja.Object, error) {
	impl, err := ctor(b)
	if err != nil {
		return nil, err
	}
	return native(b.env.Vault, name, impl)
}

// promised 构造 GM.xxx：同步实现的结果或异常转为 Promise
func (b *builder) promised(grant string) (*goja.Object, error) {
	name := strings.TrimPrefix(grant, "GM.")
	switch grant {
	case "GM.xmlHttpRequest":
		return native(b.env.Vault, name, b.xmlHttpRequestAsync)
	case "GM.notification":
		return native(b.env.Vault, name, b.notificationAsync)
	}
	impl, err := syncAPI[asyncAPI[grant]](b)
	if err != nil {
		return nil, err
	}
	return native(b.env.Vault, name, func(call goja.FunctionCall) goja.Value {
		p, resolve, reject := b.vm.NewPromise()
		if err := b.try(func() { resolve(impl(call)) }); err != nil {
			reject(err)
		}
		return b.vm.ToValue(p)
	})
}

// try 捕获实现中抛出的 JS 异常
func (b *builder) try(fn func()) (thrown goja.Value) {
	defer func() {
		if r := recover(); r != nil {
			switch x := r.(type) {
			case *goja.Object:
				thrown = x
			case goja.Value:
				thrown = x
			default:
				panic(r)
			}
		}
	}()
	fn()
	return nil
}

type scriptInfo struct {
	Name           string         `json:"name"`
	Namespace      string         `json:"namespace"`
	Version        string         `json:"version"`
	Description    string         `json:"description"`
	Matches        []string       `json:"matches"`
	Includes       []string       `json:"includes"`
	Excludes       []string       `json:"excludes"`
	ExcludeMatches []string       `json:"excludeMatches"`
	Grant          []string       `json:"grant"`
	Require        []string       `json:"require"`
	Resources      []resourceInfo `json:"resources"`
	RunAt          string         `json:"runAt"`
	NoFrames       bool           `json:"noframes"`
	Icon           string         `json:"icon,omitempty"`
	HomepageURL    string         `json:"homepageURL,omitempty"`
}

type resourceInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type info struct {
	Script        scriptInfo `json:"script"`
	ScriptHandler string     `json:"scriptHandler"`
	Version       string     `json:"version"`
	UUID          string     `json:"uuid"`
	InjectInto    string     `json:"injectInto"`
	IsIncognito   bool       `json:"isIncognito"`
}

// info GM_info 由捕获的 JSON.parse 构造后冻结
func (b *builder) info() (*goja.Object, error) {
	m := b.env.Script.Meta
	si := scriptInfo{
		Name:           m.Name,
		Namespace:      m.Namespace,
		Version:        m.Version,
		Description:    m.Description,
		Matches:        nonNil(m.Match),
		Includes:       nonNil(m.Include),
		Excludes:       nonNil(m.Exclude),
		ExcludeMatches: nonNil(m.ExcludeMatch),
		Grant:          nonNil(m.Grant),
		Require:        nonNil(m.Require),
		Resources:      []resourceInfo{},
		RunAt:          string(b.env.Script.RunAt),
		NoFrames:       m.NoFrames,
		Icon:           m.Icon,
		HomepageURL:    m.HomepageURL,
	}
	names := make([]string, 0, len(m.Resources))
	for name := range m.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		si.Resources = append(si.Resources, resourceInfo{Name: name, URL: m.Resources[name]})
	}
	doc, err := json.Marshal(info{
		Script:        si,
		ScriptHandler: HandlerName,
		Version:       b.env.Version,
		UUID:          uuid.NewSHA1(uuid.NameSpaceURL, []byte(b.env.Script.URI)).String(),
		InjectInto:    "page",
	})
	if err != nil {
		return nil, err
	}
	val, err := b.env.Vault.Parse(string(doc))
	if err != nil {
		return nil, err
	}
	obj := val.ToObject(b.vm)
	if err := deepFreeze(b.env.Vault, obj, 4); err != nil {
		return nil, err
	}
	return obj, nil
}

func deepFreeze(v *vault.Vault, obj *goja.Object, depth int) error {
	if depth > 0 {
		for _, k := range obj.Keys() {
			if child, ok := obj.Get(k).(*goja.Object); ok {
				if err := deepFreeze(v, child, depth-1); err != nil {
					return err
				}
			}
		}
	}
	return v.Freeze(obj)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// post 发往后台，失败只记录
func (b *builder) post(cmd bridge.Cmd, data any) {
	if err := b.env.Router.send(cmd, data); err != nil {
		b.log.Warn("消息发送失败", "cmd", string(cmd), "error", err)
	}
}
