package scheduler

import (
	"context"
	"fmt"
	"time"

	"fxcanon/internal/logger"

	"github.com/robfig/cron/v3"
)

// CronScheduler 按 cron 表达式（UTC，五段）周期执行任务；上一轮未结束时跳过本轮。
type CronScheduler struct {
	Name           string
	Spec           string
	RunImmediately bool

	location *time.Location
}

func NewCronScheduler(name, spec string) *CronScheduler {
	return &CronScheduler{Name: name, Spec: spec, location: time.UTC}
}

func (s *CronScheduler) prefix() string {
	if s.Name == "" {
		return "[scheduler]"
	}
	return "[scheduler][" + s.Name + "]"
}

// Run 阻塞直到 ctx 取消；task 收到的 ctx 与 Run 的 ctx 相同。
func (s *CronScheduler) Run(ctx context.Context, task func(context.Context)) error {
	if task == nil {
		return fmt.Errorf("scheduler task 不能为空")
	}
	sched, err := cron.ParseStandard(s.Spec)
	if err != nil {
		return fmt.Errorf("cron 表达式非法 %q: %w", s.Spec, err)
	}
	c := cron.New(
		cron.WithLocation(s.location),
		cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
	)
	c.Schedule(sched, cron.FuncJob(func() { task(ctx) }))

	if s.RunImmediately {
		logger.Infof("%s RunImmediately=true，先执行一次", s.prefix())
		task(ctx)
	}
	c.Start()
	logger.Infof("%s 已启动 spec=%q 下次执行=%s", s.prefix(), s.Spec,
		sched.Next(time.Now().In(s.location)).Format(time.RFC3339))

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	logger.Infof("%s ctx done, exit", s.prefix())
	return nil
}

// cronLogger 把 cron 内部日志转到 logger。
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logger.Debugf("[scheduler] %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logger.Errorf("[scheduler] %s %v: %v", msg, keysAndValues, err)
}
