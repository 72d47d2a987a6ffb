package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	level  slog.LevelVar
	mu     sync.RWMutex
	active = build(os.Stdout)
)

func build(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &level}))
}

// SetOutput 切换运行日志的输出（nil 恢复为 stdout）。
func SetOutput(w io.Writer) {
	l := build(w)
	mu.Lock()
	active = l
	mu.Unlock()
}

// SetLevel 接受 debug/info/warn/error，无法识别时按 info 处理。
func SetLevel(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// splitComponent 把 "[canonical] 写入 v2" 拆成组件名和正文。
func splitComponent(msg string) (string, string) {
	if !strings.HasPrefix(msg, "[") {
		return "", msg
	}
	end := strings.IndexByte(msg, ']')
	if end <= 1 {
		return "", msg
	}
	return msg[1:end], strings.TrimSpace(msg[end+1:])
}

func emit(lvl slog.Level, format string, v []any) {
	mu.RLock()
	l := active
	mu.RUnlock()
	if !l.Enabled(context.Background(), lvl) {
		return
	}
	component, msg := splitComponent(fmt.Sprintf(format, v...))
	if component == "" {
		l.Log(context.Background(), lvl, msg)
		return
	}
	l.Log(context.Background(), lvl, msg, slog.String("component", component))
}

func Debugf(format string, v ...any) { emit(slog.LevelDebug, format, v) }

func Infof(format string, v ...any) { emit(slog.LevelInfo, format, v) }

func Warnf(format string, v ...any) { emit(slog.LevelWarn, format, v) }

func Errorf(format string, v ...any) { emit(slog.LevelError, format, v) }
