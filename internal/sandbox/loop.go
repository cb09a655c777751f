package sandbox

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"cdpmonkey/internal/logger"
)

var (
	ErrClosed        = errors.New("sandbox closed")
	ErrScriptTimeout = errors.New("execution timeout exceeded")
)

// maxConsole 保留的控制台条目上限
const maxConsole = 256

// LogEntry 页面内 console 输出
type LogEntry struct {
	Level   string
	Message string
	Time    time.Time
}

// loop 运行时的事件循环：所有对 goja.Runtime 的访问都在这个协程中串行执行
//
// 同一运行时上的多个帧环境（父帧及其同源子帧）共用一个 loop。
type loop struct {
	vm      *goja.Runtime
	timeout time.Duration
	log     logger.Logger

	mu     sync.Mutex
	queue  []func()
	signal chan struct{}
	done   chan struct{}
	once   sync.Once

	// 仅在循环协程中访问
	timers   map[int64]*time.Timer
	timerSeq int64

	consoleMu sync.Mutex
	console   []LogEntry
}

func newLoop(vm *goja.Runtime, timeout time.Duration, log logger.Logger) *loop {
	l := &loop{
		vm:      vm,
		timeout: timeout,
		log:     log,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		timers:  make(map[int64]*time.Timer),
	}
	go l.run()
	return l
}

// post 把任务放入队列；循环已关闭时返回 false
func (l *loop) post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// call 在循环中执行 fn 并等待结果；不能在循环协程内调用
func (l *loop) call(fn func() error) error {
	res := make(chan error, 1)
	if !l.post(func() { res <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-l.done:
		return ErrClosed
	}
}

func (l *loop) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.signal:
		}
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			select {
			case <-l.done:
				return
			default:
			}
			l.exec(fn)
		}
	}
}

// exec 执行单个任务，超时后中断运行时
func (l *loop) exec(fn func()) {
	if l.timeout > 0 {
		timer := time.AfterFunc(l.timeout, func() { l.vm.Interrupt(ErrScriptTimeout) })
		defer func() {
			timer.Stop()
			l.vm.ClearInterrupt()
		}()
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("沙箱任务异常", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (l *loop) close() {
	l.once.Do(func() {
		close(l.done)
		l.mu.Lock()
		l.queue = nil
		l.mu.Unlock()
		// 定时器回调在 post 时会因 done 关闭而丢弃
	})
}

// installPlatform 安装宿主提供的全局：window/self、定时器与 console。必须先于 Vault 捕获。
func (l *loop) installPlatform() error {
	vm := l.vm
	global := vm.GlobalObject()
	for _, name := range ambient {
		if err := vm.Set(name, global); err != nil {
			return err
		}
	}
	if err := vm.Set("setTimeout", l.setTimeout); err != nil {
		return err
	}
	if err := vm.Set("clearTimeout", l.clearTimeout); err != nil {
		return err
	}
	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(level, l.consoleFunc(level)); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}

func (l *loop) setTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(l.vm.NewTypeError("setTimeout: callback is not a function"))
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	args := append([]goja.Value(nil), call.Arguments[min(2, len(call.Arguments)):]...)
	l.timerSeq++
	id := l.timerSeq
	l.timers[id] = time.AfterFunc(delay, func() {
		l.post(func() {
			if _, ok := l.timers[id]; !ok {
				return
			}
			delete(l.timers, id)
			if _, err := fn(goja.Undefined(), args...); err != nil {
				l.log.Warn("定时器回调异常", "error", err)
			}
		})
	})
	return l.vm.ToValue(id)
}

func (l *loop) clearTimeout(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if t, ok := l.timers[id]; ok {
		t.Stop()
		delete(l.timers, id)
	}
	return goja.Undefined()
}

// consoleFunc 收集页面 console 输出，同时写入日志
func (l *loop) consoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		msg := strings.Join(parts, " ")
		l.consoleMu.Lock()
		if len(l.console) >= maxConsole {
			l.console = l.console[1:]
		}
		l.console = append(l.console, LogEntry{Level: level, Message: msg, Time: time.Now()})
		l.consoleMu.Unlock()
		l.log.Debug("console", "level", level, "message", msg)
		return goja.Undefined()
	}
}

func (l *loop) consoleEntries() []LogEntry {
	l.consoleMu.Lock()
	defer l.consoleMu.Unlock()
	return append([]LogEntry(nil), l.console...)
}
