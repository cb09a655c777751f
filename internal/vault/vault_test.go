package vault

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureSurvivesLaterTampering(t *testing.T) {
	vm := goja.New()
	v, err := Capture(vm)
	require.NoError(t, err)

	_, err = vm.RunString(`
		JSON.stringify = function () { return "pwned" };
		Object.freeze = function (o) { return o };
		JSON.parse = function () { return 1 };
	`)
	require.NoError(t, err)

	obj := vm.NewObject()
	require.NoError(t, obj.Set("a", 1))
	s, err := v.Stringify(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, s)

	require.NoError(t, v.Freeze(obj))
	require.NoError(t, vm.Set("frozen", obj))
	frozen, err := vm.RunString(`Object.isFrozen(frozen)`)
	require.NoError(t, err)
	assert.True(t, frozen.ToBoolean())

	parsed, err := v.Parse(`{"x":[1,2]}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": []any{int64(1), int64(2)}}, parsed.Export())
}

func TestCaptureRejectsTamperedRealm(t *testing.T) {
	vm := goja.New()
	_, err := vm.RunString(`JSON.stringify = function (x) { return "" + x }`)
	require.NoError(t, err)
	_, err = Capture(vm)
	assert.ErrorIs(t, err, ErrRealmTainted)
}

func TestCaptureMissingBinding(t *testing.T) {
	vm := goja.New()
	_, err := vm.RunString(`delete globalThis.Reflect`)
	require.NoError(t, err)
	_, err = Capture(vm)
	assert.ErrorIs(t, err, ErrMissing)
}

func TestOptionalBindings(t *testing.T) {
	vm := goja.New()
	v, err := Capture(vm)
	require.NoError(t, err)
	assert.True(t, goja.IsUndefined(v.Get(SetTimeout)))
	_, err = v.Call(SetTimeout, nil)
	assert.ErrorIs(t, err, ErrNotCallable)
}

func TestDefineConstAndBytes(t *testing.T) {
	vm := goja.New()
	v, err := Capture(vm)
	require.NoError(t, err)

	obj := vm.NewObject()
	require.NoError(t, v.DefineConst(obj, "k", vm.ToValue("v")))
	require.NoError(t, vm.Set("o", obj))
	res, err := vm.RunString(`"use strict"; var d = Object.getOwnPropertyDescriptor(o, "k"); [d.writable, d.configurable, d.enumerable].join()`)
	require.NoError(t, err)
	assert.Equal(t, "false,false,false", res.String())

	arr, err := v.Bytes([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, int64(1), arr.Get("BYTES_PER_ELEMENT").ToInteger())
	assert.Equal(t, int64(3), arr.Get("length").ToInteger())
}

func TestBindingNames(t *testing.T) {
	assert.Equal(t, "JSON.stringify", JSONStringify.String())
	assert.Equal(t, "Array.prototype.push", ArrayPush.String())
	assert.Equal(t, "Binding(99)", Binding(99).String())
}

func TestHandshakeIsOneShot(t *testing.T) {
	vm := goja.New()
	v, err := Capture(vm)
	require.NoError(t, err)

	h := NewHandshake()
	tok := h.Export(v)
	assert.Equal(t, 1, h.Pending())

	got, err := h.Adopt(tok, vm)
	require.NoError(t, err)
	assert.Same(t, v, got)
	assert.Zero(t, h.Pending())

	_, err = h.Adopt(tok, vm)
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestHandshakeRemovesSlotOnMismatch(t *testing.T) {
	parent := goja.New()
	v, err := Capture(parent)
	require.NoError(t, err)

	h := NewHandshake()
	tok := h.Export(v)
	_, err = h.Adopt(tok, goja.New())
	assert.ErrorIs(t, err, ErrRealmMismatch)
	assert.Zero(t, h.Pending())

	tok = h.Export(v)
	h.Revoke(tok)
	_, err = h.Adopt(tok, parent)
	assert.ErrorIs(t, err, ErrUnknownToken)
}
