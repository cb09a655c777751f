package cdp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/protocol/target"

	"cdpmonkey/pkg/model"
)

// worldName 样式与剪贴板脚本运行的隔离环境名
const worldName = "cdpmonkey"

const addStyleJS = `(function (id, css) {
	var el = document.getElementById(id);
	if (!el) {
		el = document.createElement("style");
		el.id = id;
		(document.head || document.documentElement).appendChild(el);
	}
	el.textContent = css;
})(%s, %s)`

const clipboardJS = `(function (data, mime) {
	if (mime === "text/plain" || !window.ClipboardItem) {
		return navigator.clipboard.writeText(data);
	}
	var item = {};
	item[mime] = new Blob([data], {type: mime});
	return navigator.clipboard.write([new ClipboardItem(item)]);
})(%s, %s)`

// evaluate 在帧的隔离环境中执行表达式
func (m *Manager) evaluate(ctx context.Context, tab model.TabID, frame model.FrameID, expr string, gesture bool) error {
	ts, err := m.session(tab)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	world, err := ts.client.Page.CreateIsolatedWorld(ctx,
		page.NewCreateIsolatedWorldArgs(page.FrameID(frame)).SetWorldName(worldName))
	if err != nil {
		return fmt.Errorf("创建隔离环境失败: %w", err)
	}
	args := runtime.NewEvaluateArgs(expr).
		SetContextID(world.ExecutionContextID).
		SetAwaitPromise(true).
		SetUserGesture(gesture)
	reply, err := ts.client.Runtime.Evaluate(ctx, args)
	if err != nil {
		return err
	}
	if reply.ExceptionDetails != nil {
		return fmt.Errorf("页面执行异常: %s", reply.ExceptionDetails.Text)
	}
	return nil
}

// AddStyle 向帧插入或替换样式表
func (m *Manager) AddStyle(ctx context.Context, tab model.TabID, frame model.FrameID, id, css string) error {
	return m.evaluate(ctx, tab, frame, fmt.Sprintf(addStyleJS, quote(id), quote(css)), false)
}

// OpenTab 新建标签页；CDP 无法指定插入位置，insert 只记录日志
func (m *Manager) OpenTab(ctx context.Context, opener model.TabID, url string, active, insert bool) error {
	ts, err := m.session(opener)
	if err != nil {
		if ts, err = m.first(); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	reply, err := ts.client.Target.CreateTarget(ctx, target.NewCreateTargetArgs(url).SetBackground(!active))
	if err != nil {
		return fmt.Errorf("打开标签页失败: %w", err)
	}
	m.log.Debug("已打开标签页", "opener", string(opener), "target", string(reply.TargetID), "insert", insert)
	m.sendEvent(model.Event{Type: "tab-opened", Tab: opener, URL: url, Message: string(reply.TargetID)})
	return nil
}

// SetClipboard 以用户手势在顶层帧写入剪贴板
func (m *Manager) SetClipboard(ctx context.Context, tab model.TabID, data, mime string) error {
	if mime == "" {
		mime = "text/plain"
	}
	// 顶层帧的 FrameID 与 TargetID 相同
	return m.evaluate(ctx, tab, model.FrameID(tab), fmt.Sprintf(clipboardJS, quote(data), quote(mime)), true)
}

// Notify CDP 没有系统通知接口，转为事件交给宿主展示
func (m *Manager) Notify(_ context.Context, n model.Notification) error {
	m.sendEvent(model.Event{
		Type:    "notification",
		Tab:     n.Tab,
		Frame:   n.Frame,
		URL:     n.Image,
		Message: n.ID + "\t" + n.Title + "\t" + n.Text,
	})
	return nil
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
