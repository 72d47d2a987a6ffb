package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"fxcanon/internal/backfill"
	"fxcanon/internal/boundary"
	"fxcanon/internal/canonical"
	"fxcanon/internal/config"
	"fxcanon/internal/logger"
	"fxcanon/internal/market"
	"fxcanon/internal/pkg/circuit"
	"fxcanon/internal/reconcile"
	"fxcanon/internal/source"
	"fxcanon/internal/source/binance"
	"fxcanon/internal/source/broker"
	"fxcanon/internal/source/vendor"
	"fxcanon/internal/store/runlog"
	queryhttp "fxcanon/internal/transport/http/query"
)

// AppBuilder 按配置装配各组件；构造函数可替换，便于测试注入假数据源。
type AppBuilder struct {
	cfg *config.Config

	adaptersFn func(config.SourcesConfig) ([]source.Adapter, error)
	now        func() time.Time
}

type AppBuilderOption func(*AppBuilder)

// WithAdapters 用给定的数据源替换按配置构建的数据源。
func WithAdapters(adapters ...source.Adapter) AppBuilderOption {
	return func(b *AppBuilder) {
		b.adaptersFn = func(config.SourcesConfig) ([]source.Adapter, error) { return adapters, nil }
	}
}

// WithClock 替换运行区间计算所用的时钟。
func WithClock(now func() time.Time) AppBuilderOption {
	return func(b *AppBuilder) { b.now = now }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{cfg: cfg, adaptersFn: buildAdapters, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	adapters, err := b.adaptersFn(cfg.Sources)
	if err != nil {
		return nil, err
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("没有启用的数据源")
	}
	fetcher, err := backfill.NewService(backfill.Config{
		Adapters:        adapters,
		RateLimitPerMin: cfg.Fetch.RateLimitPerMin,
		MaxConcurrent:   cfg.Fetch.MaxConcurrent,
		MaxAttempts:     cfg.Fetch.MaxAttempts,
		BackoffMin:      cfg.Fetch.BackoffMin,
		BackoffMax:      cfg.Fetch.BackoffMax,
		Breakers:        circuit.NewSet(cfg.Fetch.BreakerThreshold, cfg.Fetch.BreakerCooldown),
	})
	if err != nil {
		return nil, err
	}
	reconciler := buildReconciler(cfg.Run, adapters)

	canon, err := canonical.NewStore(cfg.Storage.CanonicalRoot)
	if err != nil {
		return nil, fmt.Errorf("打开规范存储失败: %w", err)
	}
	runs, err := runlog.Open(cfg.Storage.RunlogPath)
	if err != nil {
		_ = canon.Close()
		return nil, fmt.Errorf("打开运行台账失败: %w", err)
	}
	pipeline, err := NewPipeline(PipelineDeps{
		Fetcher:    fetcher,
		Reconciler: reconciler,
		Canonical:  canon,
		Runs:       runs,
		ReportDir:  cfg.Storage.ReportDir,
		Policy:     canonical.Policy(cfg.Run.VersionPolicy),
	})
	if err != nil {
		_ = runs.Close()
		_ = canon.Close()
		return nil, err
	}
	pipeline.now = b.now

	var server *queryhttp.Server
	if cfg.App.Mode != "once" && cfg.App.HTTPAddr != "" {
		server, err = queryhttp.NewServer(queryhttp.Config{Addr: cfg.App.HTTPAddr, Series: canon, Runs: runs})
		if err != nil {
			_ = runs.Close()
			_ = canon.Close()
			return nil, err
		}
	}

	names := make([]string, 0, len(adapters))
	for _, a := range adapters {
		names = append(names, a.Name())
	}
	logger.Infof("✓ 数据源: %v", names)
	return &App{
		cfg:      cfg,
		pipeline: pipeline,
		canon:    canon,
		runs:     runs,
		http:     server,
		now:      b.now,
		Summary:  newStartupSummary(cfg, adapters),
	}, nil
}

func buildAdapters(cfg config.SourcesConfig) ([]source.Adapter, error) {
	var out []source.Adapter
	if cfg.Vendor.Enabled {
		if st, err := os.Stat(cfg.Vendor.Dir); err != nil || !st.IsDir() {
			logger.Warnf("[app] vendor 目录不存在或不可读: %s", cfg.Vendor.Dir)
		}
		v, err := vendor.New(vendor.Config{
			FS:            os.DirFS(cfg.Vendor.Dir),
			OffsetMinutes: cfg.Vendor.UTCOffsetMinutes,
			Precision:     cfg.Vendor.Precision,
			Latency:       cfg.Vendor.Latency,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if cfg.Broker.Enabled {
		b, err := broker.New(broker.Config{
			BaseURL:    cfg.Broker.BaseURL,
			Suffix:     cfg.Broker.Suffix,
			ServerZone: cfg.Broker.ServerZone,
			Timeout:    cfg.Broker.Timeout,
			Latency:    cfg.Broker.Latency,
			Retention:  time.Duration(cfg.Broker.RetentionDays) * 24 * time.Hour,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if cfg.Binance.Enabled {
		out = append(out, binance.New(binance.Config{
			BaseURL: cfg.Binance.BaseURL,
			Timeout: cfg.Binance.Timeout,
			Latency: cfg.Binance.Latency,
		}))
	}
	return out, nil
}

// buildReconciler 以各数据源声明的延迟排序来源，tiebreak 配置映射为优先来源。
func buildReconciler(run config.RunConfig, adapters []source.Adapter) *reconcile.Reconciler {
	latency := make(map[market.Provenance]int64, len(adapters))
	var prefer market.Provenance
	for _, a := range adapters {
		if l, ok := a.(source.Latency); ok {
			latency[a.Provenance()] = l.DeclaredLatency()
		}
		if a.Name() == run.Tiebreak {
			prefer = a.Provenance()
		}
	}
	detector := boundary.NewDetector(run.ToleranceValue())
	logger.Infof("✓ 对账参数: tolerance=%s tiebreak=%s policy=%s", detector.Tolerance(), run.Tiebreak, run.VersionPolicy)
	return reconcile.New(detector, reconcile.Config{Latency: latency, Prefer: prefer})
}
