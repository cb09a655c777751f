package gmapi

import (
	"sort"
	"strconv"

	"github.com/dop251/goja"

	"cdpmonkey/internal/bridge"
	"cdpmonkey/internal/values"
	"cdpmonkey/internal/vault"
)

// Values 某个脚本 URI 在本环境中的值快照
//
// 读取只访问快照；写入先更新快照再通知后台。后台的 value-updated
// 只会发给其他帧，所以本帧快照始终以本帧写入为准。
type Values struct {
	uri string
	m   map[string]string
}

func newValues(uri string, seed map[string]string) *Values {
	m := make(map[string]string, len(seed))
	for k, raw := range seed {
		m[k] = raw
	}
	return &Values{uri: uri, m: m}
}

// Raw 读取编码后的原始值
func (s *Values) Raw(key string) (string, bool) {
	raw, ok := s.m[key]
	return raw, ok
}

// Keys 按字典序返回所有键
func (s *Values) Keys() []string {
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Values) apply(u bridge.ValueUpdate) {
	for k, raw := range u.Changes {
		s.m[k] = raw
	}
	for _, k := range u.Removed {
		delete(s.m, k)
	}
}

// encodeValue 按 JS 类型加前缀；对象经捕获的 JSON.stringify 序列化
func encodeValue(v *vault.Vault, val goja.Value) (string, error) {
	switch x := val.Export().(type) {
	case string:
		return string(values.TagString) + x, nil
	case bool:
		return string(values.TagBool) + strconv.FormatBool(x), nil
	case int64, float64:
		return string(values.TagNumber) + val.String(), nil
	}
	s, err := v.Stringify(val)
	if err != nil {
		return "", err
	}
	return string(values.TagJSON) + s, nil
}

// decodeValue 还原 encodeValue 的结果；未知前缀整体作为字符串
func decodeValue(v *vault.Vault, raw string) (goja.Value, error) {
	vm := v.Runtime()
	tag, payload := values.Split(raw)
	switch tag {
	case values.TagNumber:
		f, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			return nil, err
		}
		return vm.ToValue(f), nil
	case values.TagBool:
		return vm.ToValue(payload == "true"), nil
	case values.TagJSON:
		return v.Parse(payload)
	case values.TagString:
		return vm.ToValue(payload), nil
	default:
		return vm.ToValue(raw), nil
	}
}
