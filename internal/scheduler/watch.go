package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"fxcanon/internal/logger"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 5 * time.Second

// DirWatcher 监听目录内文件的创建、写入与改名，静默 Debounce 之后触发一次任务。
type DirWatcher struct {
	Dir      string
	Debounce time.Duration
	// Match 为 nil 时所有文件都触发。
	Match          func(name string) bool
	RunImmediately bool
}

func (w *DirWatcher) Run(ctx context.Context, task func(context.Context)) error {
	if task == nil {
		return fmt.Errorf("watch task 不能为空")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(w.Dir); err != nil {
		return fmt.Errorf("监听目录失败 %s: %w", w.Dir, err)
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	logger.Infof("[watch] 监听 %s (debounce=%s)", w.Dir, debounce)
	if w.RunImmediately {
		task(ctx)
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("[watch] ctx done, exit")
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(evt) {
				continue
			}
			logger.Debugf("[watch] %s %s", evt.Op, evt.Name)
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("[watch] fsnotify 错误: %v", err)
		case <-timer.C:
			task(ctx)
		}
	}
}

func (w *DirWatcher) relevant(evt fsnotify.Event) bool {
	if !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Rename) {
		return false
	}
	if w.Match == nil {
		return true
	}
	return w.Match(filepath.Base(evt.Name))
}
