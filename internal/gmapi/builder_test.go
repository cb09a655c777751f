package gmapi

import (
	"encoding/base64"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpmonkey/internal/bridge"
	"cdpmonkey/internal/vault"
	"cdpmonkey/pkg/model"
)

type fixture struct {
	vm     *goja.Runtime
	router *Router
	sent   []bridge.Envelope
	urls   *ObjectURLs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{vm: goja.New(), urls: NewObjectURLs("https://a.com")}
	f.router = NewRouter(func(e bridge.Envelope) error {
		f.sent = append(f.sent, e)
		return nil
	}, nil)
	return f
}

func (f *fixture) build(t *testing.T, s model.InjectedScript, resources map[string]string) *Capability {
	t.Helper()
	v, err := vault.Capture(f.vm)
	require.NoError(t, err)
	if s.URI == "" {
		s.URI = "ns:test:"
	}
	c, err := Build(Env{
		Script:    s,
		Frame:     model.FrameInfo{Tab: "t", Frame: "f", URL: "https://a.com/dir/page.html"},
		Vault:     v,
		Router:    f.router,
		Resources: resources,
		URLs:      f.urls,
		Version:   "1.0.0",
	})
	require.NoError(t, err)
	require.NoError(t, f.vm.Set("cap", c.Object))
	return c
}

func (f *fixture) run(t *testing.T, src string) goja.Value {
	t.Helper()
	v, err := f.vm.RunString(src)
	require.NoError(t, err)
	return v
}

func (f *fixture) last(t *testing.T, cmd bridge.Cmd) bridge.Envelope {
	t.Helper()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Cmd == cmd {
			return f.sent[i]
		}
	}
	t.Fatalf("no %s sent", cmd)
	return bridge.Envelope{}
}

func granted(grants ...string) model.InjectedScript {
	return model.InjectedScript{ID: 7, Meta: model.Meta{Name: "test", Namespace: "ns", Grant: grants}, RunAt: model.RunAtDocumentEnd}
}

func TestGrantNone(t *testing.T) {
	f := newFixture(t)
	c := f.build(t, granted("none"), nil)
	assert.Equal(t, []string{"GM_info", "GM"}, c.Names)
	assert.Equal(t, "info", f.run(t, `Object.getOwnPropertyNames(cap.GM).join(",")`).String())
	assert.Equal(t, "GM,GM_info", f.run(t, `Object.getOwnPropertyNames(cap).sort().join(",")`).String())
	assert.Equal(t, "test", f.run(t, `cap.GM_info.script.name`).String())
	assert.Equal(t, "cdpmonkey", f.run(t, `cap.GM.info.scriptHandler`).String())
}

func TestOnlyGrantedOperationsAttached(t *testing.T) {
	f := newFixture(t)
	c := f.build(t, granted("GM_getValue", "GM.setValue", "GM_bogus", "unsafeWindow"), nil)
	assert.ElementsMatch(t, []string{"GM_info", "GM_getValue", "unsafeWindow", "GM"}, c.Names)
	assert.True(t, goja.IsUndefined(c.Get("GM_setValue")))
	assert.Equal(t, "info,setValue", f.run(t, `Object.getOwnPropertyNames(cap.GM).sort().join(",")`).String())
	assert.True(t, f.run(t, `cap.unsafeWindow === globalThis`).ToBoolean())
}

func TestCapabilityIsImmutable(t *testing.T) {
	f := newFixture(t)
	f.build(t, granted("GM_setValue", "GM_getValue"), nil)
	checks := []string{
		`Object.isFrozen(cap) && Object.isFrozen(cap.GM) && Object.isFrozen(cap.GM_info.script)`,
		`Object.keys(cap).length === 0`,
		`(function(){ cap.GM_setValue = 1; return typeof cap.GM_setValue === "function" })()`,
		`(function(){ return delete cap.GM_getValue })() === false`,
		`(function(){ var d = Object.getOwnPropertyDescriptor(cap, "GM_setValue"); return !d.writable && !d.configurable && !d.enumerable })()`,
		`(function(){ "use strict"; try { cap.GM_info = {}; return false } catch (e) { return e instanceof TypeError } })()`,
	}
	for _, src := range checks {
		assert.True(t, f.run(t, src).ToBoolean(), src)
	}
}

func TestFunctionsLookNative(t *testing.T) {
	f := newFixture(t)
	f.build(t, granted("GM_setValue", "GM.getValue"), nil)
	assert.Equal(t, "function GM_setValue() { [native code] }", f.run(t, `String(cap.GM_setValue)`).String())
	assert.Equal(t, "function getValue() { [native code] }", f.run(t, `cap.GM.getValue.toString()`).String())
	assert.Equal(t, "GM_setValue", f.run(t, `cap.GM_setValue.name`).String())
}

func TestValueRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.build(t, granted("GM_setValue", "GM_getValue", "GM_deleteValue", "GM_listValues"), nil)
	f.run(t, `
		cap.GM_setValue("num", 42.5);
		cap.GM_setValue("flag", false);
		cap.GM_setValue("obj", {a: [1, "x"], b: {c: null}});
		cap.GM_setValue("str", "n12");
	`)
	var change bridge.ValueChange
	require.NoError(t, f.last(t, bridge.CmdSetValue).Decode(&change))
	assert.Equal(t, bridge.ValueChange{URI: "ns:test:", Key: "str", Raw: "sn12"}, change)

	assert.True(t, f.run(t, `cap.GM_getValue("num") === 42.5`).ToBoolean())
	assert.True(t, f.run(t, `cap.GM_getValue("flag") === false`).ToBoolean())
	assert.Equal(t, `{"a":[1,"x"],"b":{"c":null}}`, f.run(t, `JSON.stringify(cap.GM_getValue("obj"))`).String())
	assert.True(t, f.run(t, `cap.GM_getValue("str") === "n12"`).ToBoolean())
	assert.Equal(t, "dflt", f.run(t, `cap.GM_getValue("missing", "dflt")`).String())
	assert.Equal(t, "flag,num,obj,str", f.run(t, `cap.GM_listValues().join(",")`).String())

	f.run(t, `cap.GM_deleteValue("num")`)
	var del bridge.ValueChange
	require.NoError(t, f.last(t, bridge.CmdSetValue).Decode(&del))
	assert.Equal(t, bridge.ValueChange{URI: "ns:test:", Key: "num"}, del)
	assert.True(t, f.run(t, `cap.GM_getValue("num") === undefined`).ToBoolean())
}

func TestValueUpdatedRefreshesSnapshot(t *testing.T) {
	f := newFixture(t)
	f.router.Seed(map[string]map[string]string{"ns:test:": {"k": "sold"}})
	f.build(t, granted("GM_getValue"), nil)
	assert.Equal(t, "old", f.run(t, `cap.GM_getValue("k")`).String())

	e := bridge.MustEnvelope(bridge.CmdValueUpdated, bridge.ValueUpdate{URI: "ns:test:", Changes: map[string]string{"n": "n3"}, Removed: []string{"k"}})
	require.NoError(t, f.router.Dispatch(e))
	assert.True(t, f.run(t, `cap.GM_getValue("k") === undefined && cap.GM_getValue("n") === 3`).ToBoolean())
}

func TestPromiseVariant(t *testing.T) {
	f := newFixture(t)
	f.router.Seed(map[string]map[string]string{"ns:test:": {"k": "btrue"}})
	f.build(t, granted("GM.getValue", "GM.listValues"), nil)
	f.run(t, `var got; cap.GM.getValue("k").then(function (v) { got = v })`)
	assert.True(t, f.run(t, `got === true`).ToBoolean())
}

func TestResources(t *testing.T) {
	f := newFixture(t)
	text := "héllo ✓"
	s := granted("GM_getResourceText", "GM_getResourceURL")
	s.Meta.Resources = map[string]string{"txt": "https://cdn.test/a.txt", "gone": "https://cdn.test/missing"}
	f.build(t, s, map[string]string{
		"https://cdn.test/a.txt": "text/plain," + base64.StdEncoding.EncodeToString([]byte(text)),
	})
	assert.Equal(t, text, f.run(t, `cap.GM_getResourceText("txt")`).String())
	assert.True(t, f.run(t, `cap.GM_getResourceText("gone") === undefined`).ToBoolean())

	u := f.run(t, `cap.GM_getResourceURL("txt")`).String()
	assert.Contains(t, u, "blob:https://a.com/")
	assert.Equal(t, u, f.run(t, `cap.GM_getResourceURL("txt")`).String())
	assert.Equal(t, 1, f.urls.Len())
	r, ok := f.urls.Resolve(u)
	require.True(t, ok)
	assert.Equal(t, "text/plain", r.Type)

	data := f.run(t, `cap.GM_getResourceURL("txt", false)`).String()
	assert.Equal(t, "data:text/plain;base64,"+base64.StdEncoding.EncodeToString([]byte(text)), data)
}

func TestDecodeUTF8ReplacesInvalidBytes(t *testing.T) {
	assert.Equal(t, "a\uFFFDb", decodeUTF8([]byte{'a', 0xff, 'b'}))
	assert.Equal(t, "日本", decodeUTF8([]byte("日本")))
}

func TestXMLHttpRequestFlow(t *testing.T) {
	f := newFixture(t)
	f.build(t, granted("GM_xmlhttpRequest"), nil)
	f.run(t, `
		var events = [];
		var ctl = cap.GM_xmlhttpRequest({
			url: "../api?q=1",
			method: "post",
			headers: {"X-Test": "1"},
			data: "body",
			responseType: "json",
			context: "ctx",
			onloadstart: function () { events.push("loadstart") },
			onload: function (r) { events.push("load:" + r.status + ":" + r.response.ok + ":" + r.context + ":" + r.finalUrl) },
			onloadend: function () { events.push("loadend") },
		});
	`)
	var key bridge.CallKey
	require.NoError(t, f.last(t, bridge.CmdGetCorrelationID).Decode(&key))
	require.NoError(t, f.router.Dispatch(bridge.MustEnvelope(bridge.CmdCorrelationIDIssued, bridge.CorrelationIssued{Key: key.Key, ID: "req-1"})))

	var d bridge.RequestDetails
	require.NoError(t, f.last(t, bridge.CmdIssueNetworkRequest).Decode(&d))
	assert.Equal(t, "req-1", d.ID)
	assert.Equal(t, "POST", d.Method)
	assert.Equal(t, "https://a.com/api?q=1", d.URL)
	assert.Equal(t, "1", d.Headers["X-Test"])
	assert.Equal(t, int64(7), d.Script)
	assert.Equal(t, 1, f.router.Pending())

	for _, ev := range []bridge.NetworkEvent{
		{ID: "req-1", Type: "loadstart", ReadyState: 1},
		{ID: "req-1", Type: "load", ReadyState: 4, Status: 200, FinalURL: "https://a.com/final", Response: `{"ok":true}`},
		{ID: "req-1", Type: "loadend", ReadyState: 4},
		{ID: "req-1", Type: "load", ReadyState: 4},
	} {
		require.NoError(t, f.router.Dispatch(bridge.MustEnvelope(bridge.CmdNetworkEvent, ev)))
	}
	assert.Equal(t, "loadstart|load:200:true:ctx:https://a.com/final|loadend", f.run(t, `events.join("|")`).String())
	assert.Zero(t, f.router.Pending())
}

func TestXMLHttpRequestAbort(t *testing.T) {
	f := newFixture(t)
	f.build(t, granted("GM_xmlhttpRequest"), nil)
	f.run(t, `
		var log = [];
		function track(tag) {
			return cap.GM_xmlhttpRequest({
				url: "https://b.com/" + tag,
				onload: function () { log.push(tag + ":load") },
				onabort: function () { log.push(tag + ":abort") },
				onloadend: function () { log.push(tag + ":loadend") },
			});
		}
		var one = track("one");
		var two = track("two");
	`)
	var keys []string
	for _, e := range f.sent {
		if e.Cmd == bridge.CmdGetCorrelationID {
			var k bridge.CallKey
			require.NoError(t, e.Decode(&k))
			keys = append(keys, k.Key)
		}
	}
	require.Len(t, keys, 2)
	assert.NotEqual(t, keys[0], keys[1])
	for i, id := range []string{"id-1", "id-2"} {
		require.NoError(t, f.router.Dispatch(bridge.MustEnvelope(bridge.CmdCorrelationIDIssued, bridge.CorrelationIssued{Key: keys[i], ID: id})))
	}

	f.run(t, `one.abort(); one.abort()`)
	var ab bridge.AbortRequest
	require.NoError(t, f.last(t, bridge.CmdAbortRequest).Decode(&ab))
	assert.Equal(t, "id-1", ab.ID)

	// 中止后迟到的事件被忽略，另一个请求不受影响
	require.NoError(t, f.router.Dispatch(bridge.MustEnvelope(bridge.CmdNetworkEvent, bridge.NetworkEvent{ID: "id-1", Type: "load", ReadyState: 4})))
	require.NoError(t, f.router.Dispatch(bridge.MustEnvelope(bridge.CmdNetworkEvent, bridge.NetworkEvent{ID: "id-2", Type: "load", ReadyState: 4, Response: "x"})))
	require.NoError(t, f.router.Dispatch(bridge.MustEnvelope(bridge.CmdNetworkEvent, bridge.NetworkEvent{ID: "id-2", Type: "loadend", ReadyState: 4})))
	assert.Equal(t, "one:abort|one:loadend|two:load|two:loadend", f.run(t, `log.join("|")`).String())
}

func TestXMLHttpRequestAbortBeforeID(t *testing.T) {
	f := newFixture(t)
	f.build(t, granted("GM_xmlhttpRequest"), nil)
	f.run(t, `
		var log = [];
		var ctl = cap.GM_xmlhttpRequest({
			url: "https://b.com/",
			onabort: function () { log.push("abort") },
			onloadend: function () { log.push("loadend") },
		});
		ctl.abort();
	`)
	assert.Equal(t, "abort|loadend", f.run(t, `log.join("|")`).String())
	for _, e := range f.sent {
		assert.NotEqual(t, bridge.CmdAbortRequest, e.Cmd)
	}

	var key bridge.CallKey
	require.NoError(t, f.last(t, bridge.CmdGetCorrelationID).Decode(&key))
	require.NoError(t, f.router.Dispatch(bridge.MustEnvelope(bridge.CmdCorrelationIDIssued, bridge.CorrelationIssued{Key: key.Key, ID: "late"})))

	var ab bridge.AbortRequest
	require.NoError(t, f.last(t, bridge.CmdAbortRequest).Decode(&ab))
	assert.Equal(t, "late", ab.ID)
	for _, e := range f.sent {
		assert.NotEqual(t, bridge.CmdIssueNetworkRequest, e.Cmd)
	}
	assert.Zero(t, f.router.Pending())
	assert.Equal(t, "abort|loadend", f.run(t, `log.join("|")`).String())
}

func TestXMLHttpRequestPromiseRejectsOnError(t *testing.T) {
	f := newFixture(t)
	f.build(t, granted("GM.xmlHttpRequest"), nil)
	f.run(t, `var outcome; var p = cap.GM.xmlHttpRequest({url: "https://b.com/"}); p.then(function () { outcome = "ok" }, function (r) { outcome = "err:" + r.error })`)
	var key bridge.CallKey
	require.NoError(t, f.last(t, bridge.CmdGetCorrelationID).Decode(&key))
	require.NoError(t, f.router.Dispatch(bridge.MustEnvelope(bridge.CmdCorrelationIDIssued, bridge.CorrelationIssued{Key: key.Key, ID: "x"})))
	require.NoError(t, f.router.Dispatch(bridge.MustEnvelope(bridge.CmdNetworkEvent, bridge.NetworkEvent{ID: "x", Type: "error", ReadyState: 4, Error: "refused"})))
	assert.Equal(t, "err:refused", f.run(t, `outcome`).String())
	assert.True(t, f.run(t, `typeof p.abort === "function"`).ToBoolean())
}

func TestMenuAndNotificationCallbacks(t *testing.T) {
	f := newFixture(t)
	f.build(t, granted("GM_registerMenuCommand", "GM_unregisterMenuCommand", "GM_notification", "GM_setClipboard", "GM_addStyle", "GM_openInTab"), nil)
	f.run(t, `
		var hits = [];
		var id = cap.GM_registerMenuCommand("Run", function () { hits.push("menu") }, "r");
		cap.GM_notification({text: "hi", onclick: function () { hits.push("click") }, ondone: function () { hits.push("done") }});
		cap.GM_setClipboard("<b>x</b>", "html");
		cap.GM_addStyle("body{color:red}");
		cap.GM_openInTab("/next", true);
	`)
	var menu bridge.MenuCommand
	require.NoError(t, f.last(t, bridge.CmdRegisterMenuCommand).Decode(&menu))
	assert.Equal(t, "Run", menu.Caption)
	assert.Equal(t, "r", menu.AccessKey)
	require.NoError(t, f.router.Dispatch(bridge.MustEnvelope(bridge.CmdCommandInvoked, bridge.MenuCommand{ID: menu.ID})))

	var n bridge.NotificationRequest
	require.NoError(t, f.last(t, bridge.CmdShowNotification).Decode(&n))
	assert.Equal(t, "test", n.Title)
	require.NoError(t, f.router.Dispatch(bridge.MustEnvelope(bridge.CmdNotificationClicked, bridge.NotificationRef{ID: n.ID})))
	require.NoError(t, f.router.Dispatch(bridge.MustEnvelope(bridge.CmdNotificationClosed, bridge.NotificationRef{ID: n.ID})))
	require.NoError(t, f.router.Dispatch(bridge.MustEnvelope(bridge.CmdNotificationClicked, bridge.NotificationRef{ID: n.ID})))
	assert.Equal(t, "menu,click,done", f.run(t, `hits.join(",")`).String())

	var clip bridge.Clipboard
	require.NoError(t, f.last(t, bridge.CmdSetClipboard).Decode(&clip))
	assert.Equal(t, "text/html", clip.Type)

	var tab bridge.OpenTab
	require.NoError(t, f.last(t, bridge.CmdOpenTab).Decode(&tab))
	assert.Equal(t, "https://a.com/next", tab.URL)
	assert.False(t, tab.Active)

	f.run(t, `cap.GM_unregisterMenuCommand(id)`)
	assert.Zero(t, f.router.Menus())
	assert.ErrorIs(t, f.router.Dispatch(bridge.Envelope{Cmd: bridge.CmdSetValue}), ErrUnhandled)
}
