package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 键值对风格的日志接口
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Err(err error, msg string, kv ...any)
	With(kv ...any) Logger
}

// Options 日志配置
type Options struct {
	Level   string
	Writer  []string
	File    string
	MaxSize int
	MaxAge  int
}

type zlog struct {
	l zerolog.Logger
}

// New 根据配置创建 zerolog 实现，writer 支持 console 与 file
func New(opts Options) Logger {
	var writers []io.Writer
	for _, w := range opts.Writer {
		switch strings.ToLower(w) {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
		case "file":
			file := opts.File
			if file == "" {
				file = "logs/cdpmonkey.log"
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:  file,
				MaxSize:   orDefault(opts.MaxSize, 20),
				MaxAge:    orDefault(opts.MaxAge, 7),
				LocalTime: true,
				Compress:  true,
			})
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return &zlog{l: l}
}

// NewWriter 直接基于 io.Writer 创建，便于测试采集输出
func NewWriter(w io.Writer, level string) Logger {
	lv, err := zerolog.ParseLevel(level)
	if err != nil {
		lv = zerolog.DebugLevel
	}
	return &zlog{l: zerolog.New(w).Level(lv).With().Timestamp().Logger()}
}

// NewNop 丢弃所有输出
func NewNop() Logger {
	return &zlog{l: zerolog.Nop()}
}

func (z *zlog) Debug(msg string, kv ...any) { z.emit(z.l.Debug(), msg, kv) }
func (z *zlog) Info(msg string, kv ...any)  { z.emit(z.l.Info(), msg, kv) }
func (z *zlog) Warn(msg string, kv ...any)  { z.emit(z.l.Warn(), msg, kv) }
func (z *zlog) Error(msg string, kv ...any) { z.emit(z.l.Error(), msg, kv) }

func (z *zlog) Err(err error, msg string, kv ...any) {
	z.emit(z.l.Error().Err(err), msg, kv)
}

func (z *zlog) With(kv ...any) Logger {
	ctx := z.l.With()
	for i := 0; i+1 < len(kv); i += 2 {
		ctx = ctx.Interface(key(kv[i]), kv[i+1])
	}
	return &zlog{l: ctx.Logger()}
}

func (z *zlog) emit(ev *zerolog.Event, msg string, kv []any) {
	if ev == nil {
		return
	}
	for i := 0; i < len(kv); i += 2 {
		if i+1 >= len(kv) {
			ev = ev.Interface("!BADKEY", kv[i])
			break
		}
		if e, ok := kv[i+1].(error); ok {
			ev = ev.AnErr(key(kv[i]), e)
			continue
		}
		ev = ev.Interface(key(kv[i]), kv[i+1])
	}
	ev.Msg(msg)
}

func key(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	return "!BADKEY"
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}
