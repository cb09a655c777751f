// Package vault 在执行环境创建之初捕获内建对象，
// 之后能力层只通过这里的引用构造对象，不再经过可能被页面篡改的全局查找。
package vault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// Binding 固定顺序的内建引用下标
type Binding int

const (
	ObjectFreeze Binding = iota
	ObjectDefineProperty
	ObjectGetOwnPropertyDescriptor
	ObjectCreate
	ObjectKeys
	ArrayIsArray
	ArrayPush
	FunctionToString
	JSONParse
	JSONStringify
	Promise
	Error
	TypeError
	Uint8Array
	StringFromCharCode
	MathRandom
	ReflectApply
	SetTimeout
	ClearTimeout

	numBindings
)

type source struct {
	path     []string
	optional bool
}

var sources = [numBindings]source{
	ObjectFreeze:                   {path: []string{"Object", "freeze"}},
	ObjectDefineProperty:           {path: []string{"Object", "defineProperty"}},
	ObjectGetOwnPropertyDescriptor: {path: []string{"Object", "getOwnPropertyDescriptor"}},
	ObjectCreate:                   {path: []string{"Object", "create"}},
	ObjectKeys:                     {path: []string{"Object", "keys"}},
	ArrayIsArray:                   {path: []string{"Array", "isArray"}},
	ArrayPush:                      {path: []string{"Array", "prototype", "push"}},
	FunctionToString:               {path: []string{"Function", "prototype", "toString"}},
	JSONParse:                      {path: []string{"JSON", "parse"}},
	JSONStringify:                  {path: []string{"JSON", "stringify"}},
	Promise:                        {path: []string{"Promise"}},
	Error:                          {path: []string{"Error"}},
	TypeError:                      {path: []string{"TypeError"}},
	Uint8Array:                     {path: []string{"Uint8Array"}},
	StringFromCharCode:             {path: []string{"String", "fromCharCode"}},
	MathRandom:                     {path: []string{"Math", "random"}},
	ReflectApply:                   {path: []string{"Reflect", "apply"}},
	SetTimeout:                     {path: []string{"setTimeout"}, optional: true},
	ClearTimeout:                   {path: []string{"clearTimeout"}, optional: true},
}

// String 绑定的全局路径
func (b Binding) String() string {
	if b < 0 || b >= numBindings {
		return fmt.Sprintf("Binding(%d)", int(b))
	}
	return strings.Join(sources[b].path, ".")
}

var (
	ErrRealmTainted  = errors.New("realm already tampered before capture")
	ErrMissing       = errors.New("built-in binding missing")
	ErrNotCallable   = errors.New("binding is not callable")
	ErrRealmMismatch = errors.New("vault belongs to another runtime")
)

// Vault 某个运行时在创建时捕获的内建引用，捕获后不可变
type Vault struct {
	vm       *goja.Runtime
	bindings [numBindings]goja.Value
	calls    [numBindings]goja.Callable
}

// Capture 按固定顺序读取内建引用；必须在任何页面或脚本代码运行之前调用
func Capture(vm *goja.Runtime) (*Vault, error) {
	v := &Vault{vm: vm}
	global := vm.GlobalObject()
	for b := Binding(0); b < numBindings; b++ {
		s := sources[b]
		val := lookup(vm, global, s.path)
		if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
			if s.optional {
				continue
			}
			return nil, fmt.Errorf("%w: %s", ErrMissing, b)
		}
		v.bindings[b] = val
		if fn, ok := goja.AssertFunction(val); ok {
			v.calls[b] = fn
		}
	}
	if err := v.verifyNative(); err != nil {
		return nil, err
	}
	return v, nil
}

func lookup(vm *goja.Runtime, obj *goja.Object, path []string) goja.Value {
	var cur goja.Value = obj
	for _, name := range path {
		if cur == nil || goja.IsUndefined(cur) || goja.IsNull(cur) {
			return nil
		}
		o := cur.ToObject(vm)
		cur = o.Get(name)
	}
	return cur
}

// verifyNative 页面若已用脚本函数替换内建，toString 会暴露其源码
func (v *Vault) verifyNative() error {
	toString := v.calls[FunctionToString]
	if toString == nil {
		return fmt.Errorf("%w: %s", ErrNotCallable, FunctionToString)
	}
	for b := Binding(0); b < numBindings; b++ {
		if v.calls[b] == nil || b == SetTimeout || b == ClearTimeout {
			continue
		}
		src, err := toString(v.bindings[b])
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrRealmTainted, b, err)
		}
		if !strings.Contains(src.String(), "[native code]") {
			return fmt.Errorf("%w: %s", ErrRealmTainted, b)
		}
	}
	return nil
}

// Runtime 所属运行时
func (v *Vault) Runtime() *goja.Runtime { return v.vm }

// Get 取出绑定
func (v *Vault) Get(b Binding) goja.Value {
	if b < 0 || b >= numBindings {
		return goja.Undefined()
	}
	if v.bindings[b] == nil {
		return goja.Undefined()
	}
	return v.bindings[b]
}

// Call 以 this 调用函数型绑定
func (v *Vault) Call(b Binding, this goja.Value, args ...goja.Value) (goja.Value, error) {
	if b < 0 || b >= numBindings || v.calls[b] == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotCallable, b)
	}
	if this == nil {
		this = goja.Undefined()
	}
	return v.calls[b](this, args...)
}

// New 以构造函数型绑定创建对象
func (v *Vault) New(b Binding, args ...goja.Value) (*goja.Object, error) {
	ctor := v.Get(b)
	if goja.IsUndefined(ctor) {
		return nil, fmt.Errorf("%w: %s", ErrMissing, b)
	}
	return v.vm.New(ctor, args...)
}

// Freeze 使用捕获的 Object.freeze
func (v *Vault) Freeze(val goja.Value) error {
	_, err := v.Call(ObjectFreeze, goja.Undefined(), val)
	return err
}

// Stringify 使用捕获的 JSON.stringify
func (v *Vault) Stringify(val goja.Value) (string, error) {
	out, err := v.Call(JSONStringify, goja.Undefined(), val)
	if err != nil {
		return "", err
	}
	if out == nil || goja.IsUndefined(out) {
		return "null", nil
	}
	return out.String(), nil
}

// Parse 使用捕获的 JSON.parse
func (v *Vault) Parse(s string) (goja.Value, error) {
	return v.Call(JSONParse, goja.Undefined(), v.vm.ToValue(s))
}

// DefineConst 定义不可写、不可配置、不可枚举的属性
func (v *Vault) DefineConst(obj *goja.Object, name string, val goja.Value) error {
	return obj.DefineDataProperty(name, val, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
}

// Bytes 使用捕获的 Uint8Array 包装字节
func (v *Vault) Bytes(b []byte) (*goja.Object, error) {
	return v.New(Uint8Array, v.vm.ToValue(v.vm.NewArrayBuffer(b)))
}
