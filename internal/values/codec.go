// Package values 实现脚本值存储的类型前缀编码：
// n 数字、b 布尔、o JSON、s（或其他）字符串。
package values

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const (
	TagNumber = 'n'
	TagBool   = 'b'
	TagJSON   = 'o'
	TagString = 's'
)

var ErrEmpty = errors.New("empty encoded value")

// Encode 将 Go 值编码为带类型前缀的字符串
func Encode(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return string(TagString) + x, nil
	case bool:
		return string(TagBool) + strconv.FormatBool(x), nil
	case float64:
		return string(TagNumber) + FormatNumber(x), nil
	case float32:
		return string(TagNumber) + FormatNumber(float64(x)), nil
	case int:
		return string(TagNumber) + strconv.Itoa(x), nil
	case int64:
		return string(TagNumber) + strconv.FormatInt(x, 10), nil
	case json.Number:
		return string(TagNumber) + x.String(), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode value: %w", err)
		}
		return string(TagJSON) + string(b), nil
	}
}

// Decode 按前缀还原值；未知前缀按原样字符串返回
func Decode(raw string) (any, error) {
	if raw == "" {
		return nil, ErrEmpty
	}
	tag, payload := raw[0], raw[1:]
	switch tag {
	case TagNumber:
		f, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			return nil, fmt.Errorf("decode number: %w", err)
		}
		return f, nil
	case TagBool:
		return payload == "true", nil
	case TagJSON:
		var v any
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		return v, nil
	case TagString:
		return payload, nil
	default:
		return raw, nil
	}
}

// Split 拆出类型前缀与负载，供沙箱侧按 JS 语义还原
func Split(raw string) (tag byte, payload string) {
	if raw == "" {
		return 0, ""
	}
	return raw[0], raw[1:]
}

// FormatNumber 与 JS 的 String(number) 对齐整数与常见小数的表示
func FormatNumber(f float64) string {
	if f == float64(int64(f)) && f < 1e21 && f > -1e21 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
