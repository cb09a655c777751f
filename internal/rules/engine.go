package rules

import (
	"errors"
	"strings"
	"sync"

	"cdpmonkey/pkg/model"
)

// blacklistCacheSize 黑名单结果缓存上限，超过后整体清空
const blacklistCacheSize = 1024

// Engine URL 匹配引擎：脚本规则与全局黑名单
type Engine struct {
	cache cache

	mu        sync.RWMutex
	blacklist []blacklistRule
	blCache   map[string]bool
}

type blacklistRule struct {
	text   string
	reject bool
	test   tester
}

// New 创建引擎并加载黑名单
func New(blacklist []string) *Engine {
	e := &Engine{}
	e.SetBlacklist(blacklist)
	return e
}

// Lists 合并头部与自定义后的有效规则
type Lists struct {
	Match        []string
	Include      []string
	Exclude      []string
	ExcludeMatch []string
}

// EffectiveLists 来源标记为 false 时丢弃头部列表，否则与自定义列表拼接
func EffectiveLists(s *model.Script) Lists {
	c := s.Custom
	return Lists{
		Match:        merge(model.Keep(c.OrigMatch), s.Meta.Match, c.Match),
		Include:      merge(model.Keep(c.OrigInclude), s.Meta.Include, c.Include),
		Exclude:      merge(model.Keep(c.OrigExclude), s.Meta.Exclude, c.Exclude),
		ExcludeMatch: merge(model.Keep(c.OrigExcludeMatch), s.Meta.ExcludeMatch, c.ExcludeMatch),
	}
}

func merge(keep bool, orig, custom []string) []string {
	out := make([]string, 0, len(orig)+len(custom))
	if keep {
		out = append(out, orig...)
	}
	return append(out, custom...)
}

// TestScript 判断脚本是否作用于 url
//
// 存在 @match 时以 @match 为准，否则使用 @include；两者都为空时匹配所有页面。
// 非法的 @match / @exclude-match 会返回 *PatternError。
func (e *Engine) TestScript(url string, s *model.Script) (bool, error) {
	l := EffectiveLists(s)
	ok := len(l.Match) == 0 && len(l.Include) == 0
	if len(l.Match) > 0 {
		hit, err := e.any(url, "match", l.Match, buildMatch)
		if err != nil {
			return false, err
		}
		ok = hit
	} else if len(l.Include) > 0 {
		ok, _ = e.any(url, "include", l.Include, buildGlob)
	}
	if ok && len(l.ExcludeMatch) > 0 {
		hit, err := e.any(url, "match", l.ExcludeMatch, buildMatch)
		if err != nil {
			return false, err
		}
		ok = !hit
	}
	if ok && len(l.Exclude) > 0 {
		hit, _ := e.any(url, "include", l.Exclude, buildGlob)
		ok = !hit
	}
	return ok, nil
}

// Validate 检查脚本的 @match / @exclude-match 是否都合法
func (e *Engine) Validate(s *model.Script) error {
	l := EffectiveLists(s)
	var errs []error
	for _, p := range append(l.Match, l.ExcludeMatch...) {
		if _, err := e.cache.get("match", p, buildMatch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// any 任一规则命中即返回 true；编译失败立即返回错误
func (e *Engine) any(url, kind string, patterns []string, build func(string) (tester, error)) (bool, error) {
	for _, p := range patterns {
		t, err := e.cache.get(kind, p, build)
		if err != nil {
			return false, err
		}
		if t.Test(url) {
			return true, nil
		}
	}
	return false, nil
}

// SetBlacklist 重新加载黑名单
//
// 每行可为 "@match 规则"、"@include 规则"（白名单）、"@exclude 规则"、
// "@exclude-match 规则" 或裸域名；# 开头为注释。首条命中的规则生效。
func (e *Engine) SetBlacklist(lines []string) {
	var rules []blacklistRule
	for _, line := range lines {
		text := strings.TrimSpace(line)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		mode, rule := "", text
		if strings.HasPrefix(text, "@") {
			if i := strings.IndexAny(text, " \t"); i > 0 {
				mode, rule = text[:i], strings.TrimSpace(text[i+1:])
			} else {
				mode, rule = text, ""
			}
		}
		var t tester
		switch {
		case mode == "@include" || mode == "@exclude":
			t = compileGlob(rule)
		case mode == "" && !strings.Contains(rule, "/"):
			t = mustMatch("*://" + rule + "/*")
		default:
			t = mustMatch(rule)
		}
		rules = append(rules, blacklistRule{
			text:   text,
			reject: mode != "@include" && mode != "@match",
			test:   t,
		})
	}
	e.mu.Lock()
	e.blacklist = rules
	e.blCache = make(map[string]bool)
	e.mu.Unlock()
}

func mustMatch(p string) tester {
	mp, err := ParseMatch(p)
	if err != nil {
		return never
	}
	return mp
}

// TestBlacklist 返回 true 表示该 url 不注入任何脚本
func (e *Engine) TestBlacklist(url string) bool {
	e.mu.RLock()
	res, ok := e.blCache[url]
	rules := e.blacklist
	e.mu.RUnlock()
	if ok {
		return res
	}
	res = false
	for _, r := range rules {
		if r.test.Test(url) {
			res = r.reject
			break
		}
	}
	e.mu.Lock()
	if len(e.blCache) >= blacklistCacheSize {
		e.blCache = make(map[string]bool)
	}
	e.blCache[url] = res
	e.mu.Unlock()
	return res
}
