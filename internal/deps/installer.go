package deps

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"cdpmonkey/internal/logger"
	"cdpmonkey/internal/meta"
	"cdpmonkey/internal/rules"
	"cdpmonkey/internal/storage"
	"cdpmonkey/pkg/model"
)

// ErrDowngrade 重装的版本低于已安装版本
var ErrDowngrade = errors.New("installed version is newer")

// Store 安装所需的存储能力
type Store interface {
	Query(ctx context.Context, uri string) (*model.Script, error)
	Put(ctx context.Context, sc *model.Script) error
	Cache(ctx context.Context, urls []string) (map[string]string, error)
	PutCache(ctx context.Context, entries map[string]string) error
}

// Source 依赖来源，Fetcher 是默认实现
type Source interface {
	Require(ctx context.Context, url string) (string, error)
	Resource(ctx context.Context, url string) (string, error)
}

// Request 一次安装请求
type Request struct {
	Code string
	// Force 允许覆盖更高版本
	Force bool
	// Refresh 重新下载已缓存的依赖
	Refresh bool
}

// Installer 解析、校验、下载依赖并保存脚本
type Installer struct {
	store  Store
	source Source
	rules  *rules.Engine
	log    logger.Logger
}

// NewInstaller 创建安装器
func NewInstaller(store Store, source Source, engine *rules.Engine, l logger.Logger) *Installer {
	if l == nil {
		l = logger.NewNop()
	}
	if engine == nil {
		engine = rules.New(nil)
	}
	return &Installer{store: store, source: source, rules: engine, log: l.With("component", "installer")}
}

// Install 安装或更新脚本；依赖下载失败不会中断安装，失败原因写入 Warning
func (in *Installer) Install(ctx context.Context, req Request) (*model.Script, error) {
	m, err := meta.Parse(req.Code)
	if err != nil {
		return nil, err
	}
	sc := &model.Script{
		Meta:   m,
		Code:   req.Code,
		Config: model.ScriptConfig{Enabled: true, ShouldUpdate: true},
	}
	if err := in.rules.Validate(sc); err != nil {
		return nil, fmt.Errorf("脚本规则非法: %w", err)
	}

	old, err := in.store.Query(ctx, sc.URI())
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if !req.Force && downgrade(old.Meta.Version, m.Version) {
			return nil, fmt.Errorf("%s %s -> %s: %w", sc.DisplayName(), old.Meta.Version, m.Version, ErrDowngrade)
		}
		sc.ID = old.ID
		sc.Position = old.Position
		sc.Custom = old.Custom
		sc.Config = old.Config
	}

	entries, failures := in.fetch(ctx, m, req.Refresh)
	if err := in.store.PutCache(ctx, entries); err != nil {
		return nil, fmt.Errorf("写入依赖缓存失败: %w", err)
	}
	if len(failures) > 0 {
		sc.Warning = strings.Join(failures, "; ")
	}
	if err := in.store.Put(ctx, sc); err != nil {
		return nil, fmt.Errorf("保存脚本失败: %w", err)
	}
	in.log.Info("脚本已安装", "script", sc.ID, "uri", sc.URI(), "version", m.Version, "warning", sc.Warning)
	return sc, nil
}

// fetch 下载缺失的依赖，返回新条目和失败描述
func (in *Installer) fetch(ctx context.Context, m model.Meta, refresh bool) (map[string]string, []string) {
	type job struct {
		url     string
		require bool
	}
	var jobs []job
	for _, u := range m.Require {
		jobs = append(jobs, job{u, true})
	}
	names := make([]string, 0, len(m.Resources))
	for name := range m.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		jobs = append(jobs, job{m.Resources[name], false})
	}

	cached := map[string]string{}
	if !refresh && len(jobs) > 0 {
		urls := make([]string, len(jobs))
		for i, j := range jobs {
			urls[i] = j.url
		}
		var err error
		if cached, err = in.store.Cache(ctx, urls); err != nil {
			in.log.Err(err, "读取依赖缓存失败")
			cached = map[string]string{}
		}
	}

	entries := make(map[string]string)
	var failures []string
	for _, j := range jobs {
		if _, ok := cached[j.url]; ok {
			continue
		}
		if _, ok := entries[j.url]; ok {
			continue
		}
		var entry string
		var err error
		if j.require {
			entry, err = in.source.Require(ctx, j.url)
		} else {
			entry, err = in.source.Resource(ctx, j.url)
		}
		if err != nil {
			in.log.Warn("依赖下载失败", "url", j.url, "error", err)
			failures = append(failures, err.Error())
			continue
		}
		entries[j.url] = entry
	}
	return entries, failures
}

// downgrade 两个版本都能按 semver 解析时比较；无法解析的不视为降级
func downgrade(installed, incoming string) bool {
	if installed == "" || incoming == "" {
		return false
	}
	a, err := semver.NewVersion(installed)
	if err != nil {
		return false
	}
	b, err := semver.NewVersion(incoming)
	if err != nil {
		return false
	}
	return b.LessThan(a)
}
