// Package deps 下载脚本的 @require / @resource 依赖并完成安装
package deps

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"

	"cdpmonkey/internal/logger"
)

var (
	// ErrNotAScript @require 返回的是 HTML 页面而不是脚本
	ErrNotAScript = errors.New("not a script")
	ErrStatus     = errors.New("unexpected status")
)

// FetcherOptions 下载配置
type FetcherOptions struct {
	Timeout   time.Duration
	UserAgent string
	Transport http.RoundTripper
	Logger    logger.Logger
}

// Fetcher 依赖下载器，结果编码为 "mime,base64" 缓存条目
type Fetcher struct {
	client *resty.Client
	log    logger.Logger
}

// NewFetcher 创建下载器
func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "cdpmonkey"
	}
	c := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", opts.UserAgent).
		SetRetryCount(1).
		SetRetryWaitTime(200 * time.Millisecond)
	if opts.Transport != nil {
		c.SetTransport(opts.Transport)
	}
	return &Fetcher{client: c, log: opts.Logger.With("component", "deps")}
}

// Require 下载 @require 脚本
func (f *Fetcher) Require(ctx context.Context, url string) (string, error) {
	body, ctype, err := f.get(ctx, url)
	if err != nil {
		return "", err
	}
	if isHTML(ctype, body) {
		return "", fmt.Errorf("%s: %w", url, ErrNotAScript)
	}
	if ctype == "" {
		ctype = "text/javascript"
	}
	return encode(ctype, body), nil
}

// Resource 下载 @resource，任意内容类型都接受
func (f *Fetcher) Resource(ctx context.Context, url string) (string, error) {
	body, ctype, err := f.get(ctx, url)
	if err != nil {
		return "", err
	}
	if ctype == "" {
		ctype = http.DetectContentType(body)
	}
	return encode(ctype, body), nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, string, error) {
	start := time.Now()
	resp, err := f.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, "", fmt.Errorf("下载 %s 失败: %w", url, err)
	}
	f.log.Debug("依赖已下载", "url", url, "status", resp.StatusCode(), "size", len(resp.Body()), "elapsed", time.Since(start))
	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, "", fmt.Errorf("%s: %w %d", url, ErrStatus, resp.StatusCode())
	}
	return resp.Body(), mediaType(resp.Header().Get("Content-Type")), nil
}

// mediaType 去掉 charset 等参数
func mediaType(v string) string {
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.TrimSpace(strings.SplitN(v, ";", 2)[0])
	}
	return mt
}

// isHTML 判断响应是否为 HTML 文档；类型声明优先，其次看内容是否能解析出 html 结构
func isHTML(ctype string, body []byte) bool {
	if ctype == "text/html" || ctype == "application/xhtml+xml" {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '<' {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(trimmed))
	if err != nil {
		return false
	}
	return doc.Find("head > *, body > *").Length() > 0
}

func encode(ctype string, body []byte) string {
	return ctype + "," + base64.StdEncoding.EncodeToString(body)
}
