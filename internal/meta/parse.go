// Package meta 解析用户脚本头部的 ==UserScript== 元数据块
package meta

import (
	"errors"
	"strings"

	"cdpmonkey/pkg/model"
)

var (
	ErrNoMetaBlock = errors.New("missing ==UserScript== block")
	ErrNoName      = errors.New("missing @name")
)

const (
	blockStart = "==UserScript=="
	blockEnd   = "==/UserScript=="
)

// Parse 解析元数据；没有 @grant 时按 none 处理
func Parse(code string) (model.Meta, error) {
	var m model.Meta
	lines, ok := block(code)
	if !ok {
		return m, ErrNoMetaBlock
	}
	for _, line := range lines {
		key, value, ok := field(line)
		if !ok {
			continue
		}
		apply(&m, key, value)
	}
	if m.Name == "" {
		return m, ErrNoName
	}
	if len(m.Grant) == 0 {
		m.Grant = []string{"none"}
	}
	if m.RunAt != "" {
		m.RunAt = model.ParseRunAt(string(m.RunAt))
	}
	return m, nil
}

// block 取出元数据块内的行
func block(code string) ([]string, bool) {
	var out []string
	inside := false
	for _, raw := range strings.Split(code, "\n") {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if !strings.HasPrefix(line, "//") {
			if inside && line != "" {
				// 块内出现非注释行，视为块已结束
				return out, true
			}
			continue
		}
		text := strings.TrimSpace(strings.TrimPrefix(line, "//"))
		switch {
		case text == blockStart:
			inside = true
		case text == blockEnd:
			return out, inside
		case inside:
			out = append(out, text)
		}
	}
	return out, false
}

// field 拆分 "@key value"；本地化的 "@name:zh-CN" 被忽略
func field(text string) (string, string, bool) {
	if !strings.HasPrefix(text, "@") {
		return "", "", false
	}
	key, value := text[1:], ""
	if i := strings.IndexAny(key, " \t"); i >= 0 {
		key, value = key[:i], key[i+1:]
	}
	if key == "" || strings.Contains(key, ":") {
		return "", "", false
	}
	return key, strings.TrimSpace(value), true
}

func apply(m *model.Meta, key, value string) {
	switch strings.ToLower(key) {
	case "name":
		m.Name = value
	case "namespace":
		m.Namespace = value
	case "version":
		m.Version = value
	case "description":
		m.Description = value
	case "match":
		m.Match = appendValue(m.Match, value)
	case "include":
		m.Include = appendValue(m.Include, value)
	case "exclude":
		m.Exclude = appendValue(m.Exclude, value)
	case "exclude-match":
		m.ExcludeMatch = appendValue(m.ExcludeMatch, value)
	case "grant":
		m.Grant = appendValue(m.Grant, value)
	case "require":
		m.Require = appendValue(m.Require, value)
	case "resource":
		parts := strings.Fields(value)
		if len(parts) == 2 {
			name, u := parts[0], parts[1]
			if m.Resources == nil {
				m.Resources = make(map[string]string)
			}
			m.Resources[name] = u
		}
	case "run-at":
		m.RunAt = model.RunAt(value)
	case "noframes":
		m.NoFrames = true
	case "inject-into":
		m.InjectInto = value
	case "icon", "iconurl", "defaulticon":
		if m.Icon == "" {
			m.Icon = value
		}
	case "homepage", "homepageurl", "website", "source":
		if m.HomepageURL == "" {
			m.HomepageURL = value
		}
	}
}

func appendValue(list []string, v string) []string {
	if v == "" {
		return list
	}
	return append(list, v)
}
