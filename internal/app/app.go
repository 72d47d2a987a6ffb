package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fxcanon/internal/canonical"
	"fxcanon/internal/config"
	"fxcanon/internal/logger"
	"fxcanon/internal/market"
	"fxcanon/internal/scheduler"
	"fxcanon/internal/store/runlog"
	queryhttp "fxcanon/internal/transport/http/query"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：按运行模式驱动 Pipeline，并在常驻模式下提供查询服务。
type App struct {
	cfg      *config.Config
	pipeline *Pipeline
	canon    *canonical.Store
	runs     *runlog.Store
	http     *queryhttp.Server
	now      func() time.Time
	Summary  *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg, opts)
}

// Run 按 app.mode 运行：once 跑一次后返回；schedule 按 cron 周期运行；watch 在 vendor 档案变化时运行。
// 常驻模式同时启动 HTTP 查询服务。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	if a.cfg.App.Mode == "once" {
		return a.RunOnce(ctx)
	}

	group, ctx := errgroup.WithContext(ctx)
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	task := func(ctx context.Context) {
		if err := a.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("[app] 本轮运行出错: %v", err)
		}
	}
	switch a.cfg.App.Mode {
	case "schedule":
		s := scheduler.NewCronScheduler("backfill", a.cfg.App.Schedule)
		s.RunImmediately = true
		group.Go(func() error { return s.Run(ctx, task) })
	case "watch":
		w := &scheduler.DirWatcher{Dir: a.cfg.Sources.Vendor.Dir, Match: isArchiveFile, RunImmediately: true}
		group.Go(func() error { return w.Run(ctx, task) })
	default:
		return fmt.Errorf("未知运行模式: %s", a.cfg.App.Mode)
	}
	return group.Wait()
}

// RunOnce 按配置计算区间并执行一次 Pipeline。
func (a *App) RunOnce(ctx context.Context) error {
	tf := a.cfg.Run.TimeframeValue()
	rng, err := a.cfg.Run.Window(a.now())
	if err != nil {
		return err
	}
	if settled := scheduler.SettledEnd(tf, a.now(), scheduler.DefaultSettleGrace); rng.End > settled {
		rng.End = settled
	}
	if rng.Empty() {
		logger.Infof("[app] 区间内没有已收盘的 K 线，跳过")
		return nil
	}
	// 按自然月分段运行，内存中只保留一个月的数据
	var errs []error
	for _, chunk := range monthChunks(tf, rng) {
		results, err := a.pipeline.Run(ctx, Target{Instruments: a.cfg.Run.Instruments, Timeframe: tf, Range: chunk})
		for _, r := range results {
			status := "ok"
			if r.Err != nil {
				status = "failed"
			} else if len(r.FetchErrors) > 0 {
				status = "partial"
			}
			logger.Infof("[app] %s %s run=%s status=%s version=%d report=%s", r.Instrument, chunk, r.RunID, status, r.Write.Version, r.Report.YAML)
		}
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

// monthChunks 按 UTC 自然月切分区间，切点与规范存储的月块一致。
func monthChunks(tf market.Timeframe, rng market.Range) []market.Range {
	var chunks []market.Range
	for start := rng.Start; start < rng.End; {
		t := time.UnixMilli(start).UTC()
		next := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
		end := min(tf.AlignUp(next), rng.End)
		chunks = append(chunks, market.Range{Start: start, End: end})
		start = end
	}
	return chunks
}

// Close 释放存储资源。
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.runs != nil {
		errs = append(errs, a.runs.Close())
	}
	if a.canon != nil {
		errs = append(errs, a.canon.Close())
	}
	return errors.Join(errs...)
}

// Pipeline 暴露内部 pipeline（测试与一次性工具使用）。
func (a *App) Pipeline() *Pipeline {
	if a == nil {
		return nil
	}
	return a.pipeline
}

func isArchiveFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".csv") || strings.HasSuffix(lower, ".txt")
}
