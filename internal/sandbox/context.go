package sandbox

import (
	"strings"

	"github.com/dop251/goja"

	"cdpmonkey/internal/gmapi"
)

// ambient 随上下文记录一起传入的最小环境绑定
var ambient = []string{"window", "self"}

// scriptContext 单个脚本的上下文记录：能力对象的各属性加少量环境绑定，
// 作为入口函数的参数逐个传入
type scriptContext struct {
	names  []string
	values []goja.Value
}

func newContext(c *gmapi.Capability, global *goja.Object) scriptContext {
	ctx := scriptContext{}
	for _, name := range c.Names {
		ctx.names = append(ctx.names, name)
		ctx.values = append(ctx.values, c.Get(name))
	}
	for _, name := range ambient {
		ctx.names = append(ctx.names, name)
		ctx.values = append(ctx.values, global)
	}
	return ctx
}

// wrap 把脚本代码包成以上下文记录为参数的函数表达式
func wrap(params []string, src string) string {
	var sb strings.Builder
	sb.WriteString("(function(")
	sb.WriteString(strings.Join(params, ", "))
	sb.WriteString(") {\n")
	sb.WriteString(src)
	sb.WriteString("\n})")
	return sb.String()
}
