package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpmonkey/internal/bridge"
	"cdpmonkey/internal/gmapi"
	"cdpmonkey/internal/vault"
	"cdpmonkey/pkg/model"
)

const wait = 3 * time.Second

type page struct {
	realm  *Realm
	bridge *bridge.Bridge
	bg     *bridge.Port
}

func script(id model.ScriptID, at model.RunAt, code string, grants ...string) model.InjectedScript {
	name := "s" + string(rune('0'+id))
	return model.InjectedScript{
		ID:    id,
		URI:   "test:" + name + ":",
		Meta:  model.Meta{Name: name, Namespace: "test", Grant: grants},
		Code:  code,
		RunAt: at,
	}
}

func bagOf(scripts ...model.InjectedScript) *model.InjectionBag {
	bag := model.NewInjectionBag()
	for _, s := range scripts {
		bag.Add(s)
	}
	return bag
}

// open 搭建页面环境、内容桥与模拟后台，先执行 setup 再下发注入包
func open(t *testing.T, info model.FrameInfo, timeout time.Duration, setup string, bag *model.InjectionBag) *page {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pageSide, bridgePage := bridge.Pipe("page", 0)
	bridgeBg, bgSide := bridge.Pipe("bg", 0)
	shot := bridge.NewOneShot()
	realm, err := New(ctx, Config{Info: info, Port: pageSide, OneShot: shot, ScriptTimeout: timeout})
	require.NoError(t, err)
	if setup != "" {
		_, err := realm.Eval(setup)
		require.NoError(t, err)
	}
	b := bridge.New(bridge.Config{Info: info, Page: bridgePage, Back: bridgeBg, Injector: realm, OneShot: shot})
	t.Cleanup(func() {
		cancel()
		b.Close()
		realm.Close()
	})
	require.NoError(t, b.Start(ctx))
	p := &page{realm: realm, bridge: b, bg: bgSide}
	req := p.next(t)
	require.Equal(t, bridge.CmdGetInjectedData, req.Cmd)
	require.NoError(t, bgSide.Send(bridge.MustEnvelope(bridge.CmdLoadScriptSet, bag)))
	return p
}

func (p *page) next(t *testing.T) bridge.Envelope {
	t.Helper()
	select {
	case e := <-p.bg.Recv():
		return e
	case <-time.After(wait):
		t.Fatal("background received nothing")
		return bridge.Envelope{}
	}
}

func (p *page) until(t *testing.T, cmd bridge.Cmd) bridge.Envelope {
	t.Helper()
	for {
		if e := p.next(t); e.Cmd == cmd {
			return e
		}
	}
}

func (p *page) eval(t *testing.T, src string) any {
	t.Helper()
	v, err := p.realm.Eval(src)
	require.NoError(t, err)
	return v
}

func (p *page) waitResults(t *testing.T, n int) []Result {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.realm.Results()) >= n }, wait, 5*time.Millisecond)
	return p.realm.Results()
}

var top = model.FrameInfo{Tab: "1", Frame: "main", URL: "https://site.test/index.html"}

func TestStagesRunInOrderAndFailuresAreIsolated(t *testing.T) {
	p := open(t, top, time.Second, `var order = []`, bagOf(
		script(1, model.RunAtDocumentStart, `order.push("start")`),
		script(2, model.RunAtDocumentStart, `order.push("broken"); throw new Error("boom")`),
		script(3, model.RunAtDocumentEnd, `order.push("end")`),
		script(4, model.RunAtDocumentBody, `order.push("body")`),
		script(5, model.RunAtDocumentIdle, `order.push("idle")`),
	))
	p.waitResults(t, 2)
	p.bridge.RunStage(model.RunAtDocumentEnd)
	res := p.waitResults(t, 4)
	assert.Equal(t, "start,broken,body,end", p.eval(t, `order.join(",")`))
	assert.Len(t, res, 4)

	var failed []model.ScriptID
	for _, r := range res {
		if r.Err != nil {
			failed = append(failed, r.Script)
		}
	}
	assert.Equal(t, []model.ScriptID{2}, failed)

	e := p.until(t, bridge.CmdScriptError)
	var se bridge.ScriptError
	require.NoError(t, e.Decode(&se))
	assert.Equal(t, int64(2), se.Script)
	assert.Contains(t, se.Error, "boom")

	p.bridge.RunStage(model.RunAtDocumentIdle)
	p.bridge.RunStage(model.RunAtDocumentIdle)
	p.waitResults(t, 5)
	assert.Equal(t, "start,broken,body,end,idle", p.eval(t, `order.join(",")`))
}

func TestCapabilitiesArePerScript(t *testing.T) {
	p := open(t, top, time.Second, `var seen = {}`, bagOf(
		script(1, model.RunAtDocumentStart, `seen.a = typeof GM_setValue + "," + typeof GM_info`, "GM_setValue"),
		script(2, model.RunAtDocumentStart, `seen.b = typeof GM_setValue + "," + typeof GM_info + "," + (window === self)`),
		script(3, model.RunAtDocumentStart, `seen.global = typeof globalThis.GM_info`),
	))
	p.waitResults(t, 3)
	assert.Equal(t, "function,object", p.eval(t, `seen.a`))
	assert.Equal(t, "undefined,object,true", p.eval(t, `seen.b`))
	assert.Equal(t, "undefined", p.eval(t, `seen.global`))
}

func TestVaultSurvivesPageTampering(t *testing.T) {
	tamper := `
		Object.freeze = function (o) { return o };
		JSON.stringify = function () { return "pwned" };
		Object.defineProperty = function () {};
	`
	p := open(t, top, time.Second, tamper, bagOf(
		script(1, model.RunAtDocumentStart, `
			GM_setValue("cfg", {a: 1});
			window.frozen = Object.isFrozen(GM_info) && Object.isFrozen(GM);
		`, "GM_setValue"),
	))
	p.waitResults(t, 1)
	assert.Equal(t, true, p.eval(t, `frozen`))

	e := p.until(t, bridge.CmdSetValue)
	var change bridge.ValueChange
	require.NoError(t, e.Decode(&change))
	assert.Equal(t, `o{"a":1}`, change.Raw)
	assert.Equal(t, "test:s1:", change.URI)
}

func TestAdvancedInjectionWhenBlocked(t *testing.T) {
	info := top
	info.InjectBlocked = true
	p := open(t, info, time.Second, "", bagOf(script(1, model.RunAtDocumentStart, `window.ran = true`)))
	p.waitResults(t, 1)
	assert.Equal(t, true, p.eval(t, `ran`))
	assert.Eventually(t, func() bool { return p.bridge.State() == bridge.StateActive }, wait, 5*time.Millisecond)
}

func TestScriptTimeoutInterruptsOnlyThatScript(t *testing.T) {
	p := open(t, top, 50*time.Millisecond, "", bagOf(
		script(1, model.RunAtDocumentStart, `for (;;) {}`),
		script(2, model.RunAtDocumentStart, `window.after = 1`),
	))
	res := p.waitResults(t, 2)
	require.Error(t, res[0].Err)
	assert.NoError(t, res[1].Err)
	assert.EqualValues(t, 1, p.eval(t, `after`))
}

func TestPageSeesWindowGlobals(t *testing.T) {
	p := open(t, top, time.Second, "", bagOf())
	assert.Equal(t, true, p.eval(t, `window === this && self === window && window.setTimeout === setTimeout`))
}

func TestTimersAndConsole(t *testing.T) {
	p := open(t, top, time.Second, "", bagOf(
		script(1, model.RunAtDocumentStart, `
			var id = setTimeout(function () { window.cancelled = true }, 5);
			clearTimeout(id);
			setTimeout(function (v) { window.fired = v; console.log("fired", v) }, 5, "yes");
		`),
	))
	p.waitResults(t, 1)
	assert.Eventually(t, func() bool {
		v, err := p.realm.Eval(`window.fired`)
		return err == nil && v == "yes"
	}, wait, 5*time.Millisecond)
	assert.Nil(t, p.eval(t, `window.cancelled`))
	entries := p.realm.Console()
	require.NotEmpty(t, entries)
	assert.Equal(t, "fired yes", entries[len(entries)-1].Message)
}

func TestRequireRunsBeforeScript(t *testing.T) {
	s := script(1, model.RunAtDocumentStart, `window.out = helper(2)`)
	s.Meta.Require = []string{"https://cdn.test/lib.js"}
	bag := bagOf(s)
	bag.Require["https://cdn.test/lib.js"] = `function helper(x) { return x * 21 } // trailing comment`
	p := open(t, top, time.Second, "", bag)
	p.waitResults(t, 1)
	assert.EqualValues(t, 42, p.eval(t, `out`))
}

func TestChildRealmAdoptsParentVault(t *testing.T) {
	p := open(t, top, time.Second, `var shared = "parent"`, bagOf())
	hs := vault.NewHandshake()
	childPort, _ := bridge.Pipe("child", 0)
	child, err := p.realm.Child(context.Background(), Config{
		Info:      model.FrameInfo{Tab: "1", Frame: "sub", Parent: "main", URL: "about:blank"},
		Port:      childPort,
		Handshake: hs,
	})
	require.NoError(t, err)
	defer child.Close()
	assert.Zero(t, hs.Pending())

	v, err := child.Eval(`shared`)
	require.NoError(t, err)
	assert.Equal(t, "parent", v)
	u := child.ObjectURLs().Create("k", gmapi.Resource{Type: "text/plain"})
	assert.True(t, strings.HasPrefix(u, "blob:null/"), u)
}
