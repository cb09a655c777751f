package gmapi

import (
	"github.com/dop251/goja"

	"cdpmonkey/internal/vault"
)

// nativeSource 函数的 toString 结果，与内建函数不可区分
func nativeSource(name string) string {
	return "function " + name + "() { [native code] }"
}

// define 挂载不可写、不可配置、不可枚举的属性
func define(v *vault.Vault, obj *goja.Object, name string, val goja.Value) error {
	return v.DefineConst(obj, name, val)
}

// native 包装 Go 函数，覆盖 name 与 toString
func native(v *vault.Vault, name string, fn func(goja.FunctionCall) goja.Value) (*goja.Object, error) {
	vm := v.Runtime()
	f := vm.ToValue(fn).ToObject(vm)
	src := vm.ToValue(nativeSource(name))
	toString := vm.ToValue(func(goja.FunctionCall) goja.Value { return src }).ToObject(vm)
	if err := f.DefineDataProperty("name", vm.ToValue(name), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE); err != nil {
		return nil, err
	}
	if err := define(v, f, "toString", toString); err != nil {
		return nil, err
	}
	return f, nil
}

func isNullish(val goja.Value) bool {
	return val == nil || goja.IsUndefined(val) || goja.IsNull(val)
}

// field 读取对象属性，不存在或非对象时返回 undefined
func field(val goja.Value, name string) goja.Value {
	if isNullish(val) {
		return goja.Undefined()
	}
	obj, ok := val.(*goja.Object)
	if !ok {
		return goja.Undefined()
	}
	out := obj.Get(name)
	if out == nil {
		return goja.Undefined()
	}
	return out
}

func fieldString(val goja.Value, name string) string {
	f := field(val, name)
	if isNullish(f) {
		return ""
	}
	return f.String()
}

func fieldBool(val goja.Value, name string) bool {
	f := field(val, name)
	return !isNullish(f) && f.ToBoolean()
}

func fieldFunc(val goja.Value, name string) goja.Callable {
	fn, ok := goja.AssertFunction(field(val, name))
	if !ok {
		return nil
	}
	return fn
}
