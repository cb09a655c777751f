// cdpmonkey 通过 DevTools 协议连接浏览器，在附加的标签页中运行已安装的用户脚本。
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"cdpmonkey/internal/config"
	"cdpmonkey/internal/logger"
	"cdpmonkey/pkg/api"
	"cdpmonkey/pkg/model"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	config    string
	devtools  string
	targets   []string
	install   []string
	force     bool
	list      bool
	blacklist []string
	logLevel  string
}

func parseFlags(args []string) (*options, error) {
	var o options
	fs := pflag.NewFlagSet("cdpmonkey", pflag.ContinueOnError)
	fs.StringVarP(&o.config, "config", "c", "", "YAML 配置文件路径")
	fs.StringVar(&o.devtools, "devtools", "", "DevTools 地址，覆盖配置文件")
	fs.StringSliceVarP(&o.targets, "target", "t", nil, "要附加的目标 id，缺省附加第一个页面")
	fs.StringArrayVarP(&o.install, "install", "i", nil, "安装用户脚本文件，可重复")
	fs.BoolVar(&o.force, "force", false, "允许安装低于已安装版本的脚本")
	fs.BoolVarP(&o.list, "list", "l", false, "列出已安装脚本与可附加目标后退出")
	fs.StringSliceVar(&o.blacklist, "blacklist", nil, "追加黑名单规则")
	fs.StringVar(&o.logLevel, "log-level", "", "日志级别，覆盖配置文件")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return &o, nil
}

func run(args []string) error {
	o, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	cfg, err := config.Load(o.config)
	if err != nil {
		return err
	}
	if o.devtools != "" {
		cfg.DevTools.URL = o.devtools
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	cfg.Blacklist = append(cfg.Blacklist, o.blacklist...)

	log := logger.New(logger.Options{Level: cfg.Log.Level, Writer: cfg.Log.Writer, File: cfg.Log.File})
	svc, err := api.NewService(cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	for _, path := range o.install {
		code, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sc, err := svc.InstallScript(string(code), o.force)
		if err != nil {
			return fmt.Errorf("安装 %s 失败: %w", path, err)
		}
		if sc.Warning != "" {
			log.Warn("脚本已安装，部分依赖不可用", "script", sc.DisplayName(), "warning", sc.Warning)
		}
	}

	id, err := svc.StartSession(model.SessionConfig{DevToolsURL: cfg.DevTools.URL, ProcessTimeoutMS: cfg.DevTools.ProcessTimeoutMS})
	if err != nil {
		return err
	}

	if o.list {
		return list(svc, id)
	}

	events, err := svc.SubscribeEvents(id)
	if err != nil {
		return err
	}
	targets := o.targets
	if len(targets) == 0 {
		targets = []string{""}
	}
	for _, t := range targets {
		attached, err := svc.AttachTarget(id, model.TargetID(t))
		if err != nil {
			return fmt.Errorf("附加目标失败: %w", err)
		}
		log.Info("已附加目标", "target", string(attached))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-sig:
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			_ = enc.Encode(evt)
		}
	}
}

func list(svc api.Service, id model.SessionID) error {
	scripts, err := svc.ListScripts()
	if err != nil {
		return err
	}
	for _, sc := range scripts {
		state := "disabled"
		if sc.Config.Enabled {
			state = "enabled"
		}
		fmt.Printf("#%d\t%s\t%s\t%s\n", sc.ID, sc.DisplayName(), sc.Meta.Version, state)
	}
	targets, err := svc.ListTargets(id)
	if err != nil {
		return err
	}
	for _, t := range targets {
		fmt.Printf("%s\t%s\t%s\n", t.ID, t.Title, t.URL)
	}
	return nil
}
