package background

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"cdpmonkey/internal/bridge"
	"cdpmonkey/internal/gmapi"
	"cdpmonkey/pkg/model"
)

// handle 处理帧发来的命令；只在循环协程中调用
func (s *Service) handle(c *conn, e bridge.Envelope) {
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	var err error
	switch e.Cmd {
	case bridge.CmdGetInjectedData:
		s.injectedData(c)
	case bridge.CmdGetCorrelationID:
		err = s.correlationID(c, e)
	case bridge.CmdIssueNetworkRequest:
		err = s.networkRequest(c, e)
	case bridge.CmdAbortRequest:
		s.abort(c, gjson.GetBytes(e.Data, "id").String())
	case bridge.CmdSetValue:
		err = s.setValue(c, e)
	case bridge.CmdAddStyle:
		var st bridge.Style
		if err = e.Decode(&st); err == nil {
			s.async(c, "add-style", func(ctx context.Context) error {
				return s.opts.Browser.AddStyle(ctx, c.info.Tab, c.info.Frame, st.ID, st.CSS)
			})
		}
	case bridge.CmdOpenTab:
		var ot bridge.OpenTab
		if err = e.Decode(&ot); err == nil {
			s.async(c, "open-tab", func(ctx context.Context) error {
				return s.opts.Browser.OpenTab(ctx, c.info.Tab, ot.URL, ot.Active, ot.Insert)
			})
		}
	case bridge.CmdSetClipboard:
		var cb bridge.Clipboard
		if err = e.Decode(&cb); err == nil {
			s.async(c, "set-clipboard", func(ctx context.Context) error {
				return s.opts.Browser.SetClipboard(ctx, c.info.Tab, cb.Data, cb.Type)
			})
		}
	case bridge.CmdShowNotification:
		err = s.showNotification(c, e)
	case bridge.CmdRegisterMenuCommand:
		var m bridge.MenuCommand
		if err = e.Decode(&m); err == nil {
			s.menus[m.ID] = &menuEntry{conn: c.id, cmd: model.MenuCommand{
				ID:        m.ID,
				Caption:   m.Caption,
				AccessKey: m.AccessKey,
				Script:    model.ScriptID(m.Script),
				Tab:       c.info.Tab,
				Frame:     c.info.Frame,
			}}
		}
	case bridge.CmdUnregisterMenuCommand:
		id := gjson.GetBytes(e.Data, "id").String()
		if m, ok := s.menus[id]; ok && m.conn == c.id {
			delete(s.menus, id)
		}
	case bridge.CmdScriptError:
		var se bridge.ScriptError
		if err = e.Decode(&se); err == nil {
			c.log.Warn("脚本执行失败", "script", se.Name, "error", se.Error)
			s.sendEvent(model.Event{
				Type:    "script-error",
				Tab:     c.info.Tab,
				Frame:   c.info.Frame,
				Script:  model.ScriptID(se.Script),
				URL:     c.info.URL,
				Message: se.Error,
			})
		}
	default:
		c.log.Warn("忽略未知命令", "cmd", string(e.Cmd))
	}
	if err != nil {
		c.log.Warn("命令处理失败", "cmd", string(e.Cmd), "error", err)
	}
}

// injectedData 在独立协程中组装注入包，完成后回到循环下发
func (s *Service) injectedData(c *conn) {
	info := c.info
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.ActionTimeout)
		defer cancel()
		bag, err := s.buildBag(ctx, info)
		s.post(func() { s.loaded(c, bag, err) })
	}()
}

func (s *Service) loaded(c *conn, bag *model.InjectionBag, err error) {
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	if err != nil {
		// 页面仍然需要一个注入包才能推进状态，失败时下发空包
		c.log.Err(err, "组装注入包失败")
		bag = model.NewInjectionBag()
	}
	for _, at := range stages {
		for _, sc := range bag.Stage(at) {
			c.uris[sc.URI] = true
		}
	}
	if n := bag.Len(); n > 0 {
		c.injected += n
		s.badges[c.info.Tab] += n
	}
	s.send(c, bridge.CmdLoadScriptSet, bag)
	s.sendEvent(model.Event{Type: "injected", Tab: c.info.Tab, Frame: c.info.Frame, URL: c.info.URL})
	c.log.Debug("注入包已下发", "scripts", bag.Len())
}

var stages = []model.RunAt{
	model.RunAtDocumentStart,
	model.RunAtDocumentBody,
	model.RunAtDocumentEnd,
	model.RunAtDocumentIdle,
}

// buildBag 按黑名单、@noframes 与匹配规则筛选脚本，并附带依赖缓存和值快照
func (s *Service) buildBag(ctx context.Context, info model.FrameInfo) (*model.InjectionBag, error) {
	bag := model.NewInjectionBag()
	if s.opts.Store == nil || s.opts.Rules.TestBlacklist(info.URL) {
		return bag, nil
	}
	scripts, err := s.opts.Store.Scripts(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(scripts, func(i, j int) bool { return scripts[i].Position < scripts[j].Position })

	var uris, requires, resources []string
	for _, sc := range scripts {
		if !sc.Config.Enabled || (!info.IsTop() && sc.EffectiveNoFrames()) {
			continue
		}
		ok, err := s.opts.Rules.TestScript(info.URL, sc)
		if err != nil {
			s.log.Warn("脚本规则非法，跳过", "script", sc.DisplayName(), "error", err)
			continue
		}
		if !ok {
			continue
		}
		meta := sc.Meta
		meta.Name = sc.DisplayName()
		uri := sc.URI()
		bag.Add(model.InjectedScript{
			ID:       sc.ID,
			URI:      uri,
			Meta:     meta,
			Code:     sc.Code,
			RunAt:    sc.EffectiveRunAt(),
			Position: sc.Position,
		})
		uris = append(uris, uri)
		requires = append(requires, sc.Meta.Require...)
		for _, u := range sc.Meta.Resources {
			resources = append(resources, u)
		}
	}
	if bag.Len() == 0 {
		return bag, nil
	}

	cache, err := s.opts.Store.Cache(ctx, append(append([]string(nil), requires...), resources...))
	if err != nil {
		return nil, err
	}
	for _, u := range requires {
		entry, ok := cache[u]
		if !ok {
			continue
		}
		r, err := gmapi.ParseResource(entry)
		if err != nil {
			s.log.Warn("依赖缓存损坏", "url", u, "error", err)
			continue
		}
		bag.Require[u] = string(r.Data)
	}
	for _, u := range resources {
		if entry, ok := cache[u]; ok {
			bag.Resources[u] = entry
		}
	}

	values, err := s.opts.Store.Values(ctx, uris)
	if err != nil {
		return nil, err
	}
	for _, uri := range uris {
		m := values[uri]
		if m == nil {
			m = make(map[string]string)
		}
		bag.Values[uri] = m
	}
	return bag, nil
}

// correlationID 为一次网络调用签发全局唯一的关联 id
func (s *Service) correlationID(c *conn, e bridge.Envelope) error {
	var k bridge.CallKey
	if err := e.Decode(&k); err != nil {
		return err
	}
	id := uuid.NewString()
	s.pending[id] = &pending{conn: c.id}
	s.send(c, bridge.CmdCorrelationIDIssued, bridge.CorrelationIssued{Key: k.Key, ID: id})
	return nil
}

// networkRequest 只接受本帧签发且尚未使用的关联 id
func (s *Service) networkRequest(c *conn, e bridge.Envelope) error {
	var d bridge.RequestDetails
	if err := e.Decode(&d); err != nil {
		return err
	}
	p, ok := s.pending[d.ID]
	if !ok || p.conn != c.id || p.cancel != nil {
		c.log.Warn("忽略未签发的请求 id", "id", d.ID)
		return nil
	}
	ctx, cancel := context.WithCancel(s.ctx)
	p.cancel = cancel
	tab, port := c.info.Tab, c.port
	go func() {
		s.opts.Proxy.Do(ctx, tab, d, func(ev bridge.NetworkEvent) {
			_ = port.Send(bridge.MustEnvelope(bridge.CmdNetworkEvent, ev))
		})
		s.post(func() { s.finish(d.ID, p) })
	}()
	return nil
}

func (s *Service) finish(id string, p *pending) {
	if cur, ok := s.pending[id]; ok && cur == p {
		delete(s.pending, id)
	}
	p.cancel()
}

// abort 取消传输；页面侧已自行派发 abort 与 loadend
func (s *Service) abort(c *conn, id string) {
	p, ok := s.pending[id]
	if !ok || p.conn != c.id {
		return
	}
	delete(s.pending, id)
	if p.cancel != nil {
		p.cancel()
	}
}

// setValue 串行落盘，并把变更广播给持有同一脚本的其他帧
func (s *Service) setValue(c *conn, e bridge.Envelope) error {
	var v bridge.ValueChange
	if err := e.Decode(&v); err != nil {
		return err
	}
	if !c.uris[v.URI] {
		c.log.Warn("拒绝写入未注入本帧的脚本值", "uri", v.URI, "key", v.Key)
		return nil
	}
	u := bridge.ValueUpdate{URI: v.URI, Changes: map[string]string{}}
	if v.Raw == "" {
		u.Removed = []string{v.Key}
	} else {
		u.Changes[v.Key] = v.Raw
	}
	if s.opts.Store != nil {
		store, timeout, log := s.opts.Store, s.opts.ActionTimeout, c.log
		s.writes.submit(func() {
			ctx, cancel := context.WithTimeout(s.ctx, timeout)
			defer cancel()
			if err := store.SetValues(ctx, u.URI, u.Changes, u.Removed); err != nil {
				log.Err(err, "写入脚本值失败", "uri", u.URI, "key", v.Key)
			}
		})
	}
	for _, other := range s.conns {
		if other.id != c.id && other.uris[v.URI] {
			s.send(other, bridge.CmdValueUpdated, u)
		}
	}
	return nil
}

func (s *Service) showNotification(c *conn, e bridge.Envelope) error {
	var r bridge.NotificationRequest
	if err := e.Decode(&r); err != nil {
		return err
	}
	n := model.Notification{
		ID:     r.ID,
		Title:  r.Title,
		Text:   r.Text,
		Image:  r.Image,
		Silent: r.Silent,
		Tag:    r.Tag,
		Tab:    c.info.Tab,
		Frame:  c.info.Frame,
	}
	s.notes[n.ID] = &noteEntry{conn: c.id, n: n}
	s.async(c, "show-notification", func(ctx context.Context) error {
		return s.opts.Browser.Notify(ctx, n)
	})
	return nil
}
