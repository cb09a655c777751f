package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`

	DevTools struct {
		URL              string `yaml:"url"`
		ProcessTimeoutMS int    `yaml:"processTimeoutMS"`
	} `yaml:"devtools"`

	Proxy struct {
		// VerifyHeader 携带校验令牌的私有请求头，发出前会被剥离
		VerifyHeader string  `yaml:"verifyHeader"`
		TimeoutMS    int     `yaml:"timeoutMS"`
		RatePerTab   float64 `yaml:"ratePerTab"`
		Burst        int     `yaml:"burst"`
		MaxRedirects int     `yaml:"maxRedirects"`
	} `yaml:"proxy"`

	Sandbox struct {
		ScriptTimeoutMS int `yaml:"scriptTimeoutMS"`
		PortBuffer      int `yaml:"portBuffer"`
	} `yaml:"sandbox"`

	// Blacklist 全局黑名单，支持 @exclude 风格行或域名
	Blacklist []string `yaml:"blacklist"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Sqlite.Dsn = "cdpmonkey.sqlite3"
	c.Sqlite.Prefix = "cdpmonkey_"
	c.Log.Level = "debug"
	c.Log.Writer = []string{"console", "file"}
	c.Log.File = "logs/cdpmonkey.log"
	c.DevTools.URL = "http://127.0.0.1:9222"
	c.DevTools.ProcessTimeoutMS = 3000
	c.Proxy.VerifyHeader = "X-Cdpmonkey-Verify"
	c.Proxy.RatePerTab = 20
	c.Proxy.Burst = 40
	c.Proxy.MaxRedirects = 10
	c.Sandbox.ScriptTimeoutMS = 5000
	c.Sandbox.PortBuffer = 256
	return c
}

// Load 读取 YAML 配置，未出现的字段保留默认值
func Load(path string) (*Config, error) {
	c := NewConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return c, nil
}
