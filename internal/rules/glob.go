package rules

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
)

// tester 编译后的单条规则
type tester interface {
	Test(url string) bool
}

type testerFunc func(string) bool

func (f testerFunc) Test(url string) bool { return f(url) }

var never = testerFunc(func(string) bool { return false })

// regexMatchTimeout 用户正则按 JS 语义执行，限制回溯时间
const regexMatchTimeout = 200 * time.Millisecond

// compileGlob 编译 @include/@exclude：/.../ 为正则（不区分大小写），否则为通配符
func compileGlob(pattern string) tester {
	if len(pattern) > 1 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		re, err := regexp2.Compile(pattern[1:len(pattern)-1], regexp2.IgnoreCase|regexp2.ECMAScript)
		if err != nil {
			return never
		}
		re.MatchTimeout = regexMatchTimeout
		return testerFunc(func(u string) bool {
			ok, err := re.MatchString(u)
			return err == nil && ok
		})
	}
	reStr := wildcardRE(strings.ToLower(pattern))
	if i := strings.Index(reStr, `\.tld/`); i >= 0 {
		re := regexp.MustCompile("^" + reStr[:i] + `((?:\.[-\w]+)+)/` + reStr[i+len(`\.tld/`):] + "$")
		return testerFunc(func(u string) bool {
			m := re.FindStringSubmatch(strings.ToLower(u))
			return m != nil && isPublicSuffix(m[1][1:])
		})
	}
	re := regexp.MustCompile("(?i)^" + reStr + "$")
	return testerFunc(re.MatchString)
}

// cache 规则编译缓存，key 为 "类型:规则"
type cache struct {
	m sync.Map
}

type cached struct {
	t   tester
	err error
}

func (c *cache) get(kind, pattern string, build func(string) (tester, error)) (tester, error) {
	key := kind + ":" + pattern
	if v, ok := c.m.Load(key); ok {
		e := v.(cached)
		return e.t, e.err
	}
	t, err := build(pattern)
	v, _ := c.m.LoadOrStore(key, cached{t: t, err: err})
	e := v.(cached)
	return e.t, e.err
}

func buildMatch(p string) (tester, error) {
	mp, err := ParseMatch(p)
	if err != nil {
		return nil, err
	}
	return mp, nil
}

func buildGlob(p string) (tester, error) {
	return compileGlob(p), nil
}
