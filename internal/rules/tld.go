package rules

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

const tldMagic = ".tld"

// isPublicSuffix 判断 s 本身是否为公共后缀；未收录的单段后缀不算
func isPublicSuffix(s string) bool {
	if s == "" || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return false
	}
	ps, icann := publicsuffix.PublicSuffix(s)
	if ps != s {
		return false
	}
	return icann || strings.IndexByte(ps, '.') >= 0
}

// matchTLDHost 处理 host 规则中的 .tld：去掉规则前缀后剩余部分必须恰好是公共后缀
func matchTLDHost(rule, host string, subdomains bool) bool {
	base := strings.TrimSuffix(rule, tldMagic) + "."
	if strings.HasPrefix(host, base) && isPublicSuffix(host[len(base):]) {
		return true
	}
	if !subdomains {
		return false
	}
	for i := strings.IndexByte(host, '.'); i >= 0; i = strings.IndexByte(host, '.') {
		host = host[i+1:]
		if strings.HasPrefix(host, base) && isPublicSuffix(host[len(base):]) {
			return true
		}
	}
	return false
}
