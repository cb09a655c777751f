package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrMissingScheme    = errors.New("missing scheme")
	ErrUnknownScheme    = errors.New("unknown scheme")
	ErrMissingSeparator = errors.New(`missing "://"`)
	ErrMissingPath      = errors.New("missing path")
)

// PatternError 描述一条非法 @match 规则
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("invalid @match %q: %v", e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

var knownSchemes = map[string]bool{
	"*": true, "http": true, "https": true, "http*": true,
	"file": true, "ftp": true, "ws": true, "wss": true,
}

const allURLs = "<all_urls>"

// MatchPattern 编译后的 @match 规则
type MatchPattern struct {
	raw    string
	all    bool
	scheme string
	host   string
	path   *regexp.Regexp
}

// String 原始规则文本
func (p *MatchPattern) String() string { return p.raw }

// ParseMatch 解析 @match 规则，格式错误时返回带原因的 *PatternError
func ParseMatch(pattern string) (*MatchPattern, error) {
	if pattern == allURLs {
		return &MatchPattern{raw: pattern, all: true}, nil
	}
	i := strings.Index(pattern, "://")
	if i < 0 {
		return nil, &PatternError{Pattern: pattern, Err: ErrMissingSeparator}
	}
	scheme := pattern[:i]
	if scheme == "" {
		return nil, &PatternError{Pattern: pattern, Err: ErrMissingScheme}
	}
	scheme = strings.ToLower(scheme)
	if !knownSchemes[scheme] {
		return nil, &PatternError{Pattern: pattern, Err: ErrUnknownScheme}
	}
	rest := pattern[i+3:]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return nil, &PatternError{Pattern: pattern, Err: ErrMissingPath}
	}
	host := strings.ToLower(rest[:slash])
	if host == "" && scheme != "file" {
		host = "*"
	}
	return &MatchPattern{
		raw:    pattern,
		scheme: scheme,
		host:   host,
		path:   compilePath(rest[slash:]),
	}, nil
}

// compilePath 路径中的 * 匹配任意字符；规则未写 query/hash 时忽略请求中的对应部分
func compilePath(path string) *regexp.Regexp {
	iHash := strings.IndexByte(path, '#')
	iQuery := strings.IndexByte(path, '?')
	if iHash >= 0 && iQuery > iHash {
		iQuery = -1
	}
	re := wildcardRE(path)
	switch {
	case iHash >= 0:
		re = "^" + re + "$"
	case iQuery >= 0:
		re = "^" + re + "(?:#|$)"
	default:
		re = "^" + re + "(?:[?#]|$)"
	}
	return regexp.MustCompile(re)
}

// wildcardRE 转义字面量，仅保留 * 通配
func wildcardRE(s string) string {
	return strings.ReplaceAll(regexp.QuoteMeta(s), `\*`, ".*")
}

// Test 判断 URL 是否匹配
func (p *MatchPattern) Test(rawURL string) bool {
	if p.all {
		return true
	}
	u, ok := splitURL(rawURL)
	if !ok {
		return false
	}
	return matchScheme(p.scheme, u.scheme) && matchHost(p.host, u) && p.path.MatchString(u.path)
}

func matchScheme(rule, scheme string) bool {
	if rule == scheme {
		return true
	}
	if rule == "*" || rule == "http*" {
		return scheme == "http" || scheme == "https"
	}
	return false
}

func matchHost(rule string, u urlParts) bool {
	host := u.hostname
	if strings.IndexByte(rule, ':') >= 0 {
		host = u.host
	}
	if rule == "*" || rule == host {
		return true
	}
	if strings.HasPrefix(rule, "*.") {
		base := rule[2:]
		if strings.HasSuffix(base, tldMagic) {
			return matchTLDHost(base, host, true)
		}
		return host == base || strings.HasSuffix(host, rule[1:])
	}
	if strings.HasSuffix(rule, tldMagic) {
		return matchTLDHost(rule, host, false)
	}
	return false
}

// urlParts 请求 URL 拆分结果，host/hostname 已转小写
type urlParts struct {
	scheme   string
	host     string
	hostname string
	path     string
}

// splitURL 直接在原始字符串上切分，避免重新编码造成路径差异
func splitURL(raw string) (urlParts, bool) {
	i := strings.Index(raw, "://")
	if i <= 0 {
		return urlParts{}, false
	}
	rest := raw[i+3:]
	end := strings.IndexAny(rest, "/?#")
	if end < 0 {
		end = len(rest)
	}
	host := rest[:end]
	if at := strings.LastIndexByte(host, '@'); at >= 0 {
		host = host[at+1:]
	}
	host = strings.ToLower(host)
	hostname := host
	if strings.HasPrefix(hostname, "[") {
		if rb := strings.IndexByte(hostname, ']'); rb > 0 {
			hostname = hostname[:rb+1]
		}
	} else if colon := strings.LastIndexByte(hostname, ':'); colon >= 0 {
		hostname = hostname[:colon]
	}
	path := rest[end:]
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return urlParts{
		scheme:   strings.ToLower(raw[:i]),
		host:     host,
		hostname: hostname,
		path:     path,
	}, true
}
