// Package backfill 并发驱动各数据源的历史拉取，并把完整的 Segment 写入本次运行的 Segment Store。
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fxcanon/internal/logger"
	"fxcanon/internal/market"
	"fxcanon/internal/pkg/circuit"
	"fxcanon/internal/segment"
	"fxcanon/internal/source"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Config struct {
	Adapters        []source.Adapter
	RateLimitPerMin int
	MaxConcurrent   int
	MaxAttempts     int
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	Breakers        *circuit.Set
}

// Plan 描述一次拉取：每个品种 × 每个数据源。
type Plan struct {
	Instruments []string
	Timeframe   market.Timeframe
	Range       market.Range
}

// Result 是单个 (品种, 数据源) 的拉取结果。
type Result struct {
	Instrument string              `json:"instrument"`
	Source     string              `json:"source"`
	Provenance market.Provenance   `json:"provenance"`
	Candles    int                 `json:"candles"`
	Covered    market.Range        `json:"covered"`
	Exhausted  *segment.Exhaustion `json:"exhausted,omitempty"`
	Attempts   int                 `json:"attempts"`
	Elapsed    time.Duration       `json:"elapsed"`
	Err        error               `json:"-"`
}

type Report struct {
	Results []Result
}

// ErrorsFor 返回某个品种的全部获取错误（文本）。
func (r Report) ErrorsFor(instrument string) []string {
	var out []string
	for _, res := range r.Results {
		if res.Instrument == instrument && res.Err != nil {
			out = append(out, res.Source+": "+res.Err.Error())
		}
	}
	return out
}

// Succeeded 至少有一个来源为该品种提供了数据或明确的边界。
func (r Report) Succeeded(instrument string) bool {
	for _, res := range r.Results {
		if res.Instrument == instrument && res.Err == nil {
			return true
		}
	}
	return false
}

func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", res.Instrument, res.Source, res.Err))
		}
	}
	return errors.Join(errs...)
}

type Service struct {
	adapters    []source.Adapter
	limiters    map[string]*rate.Limiter
	maxParallel int
	maxAttempts int
	backoffMin  time.Duration
	backoffMax  time.Duration
	breakers    *circuit.Set
}

func NewService(cfg Config) (*Service, error) {
	if len(cfg.Adapters) == 0 {
		return nil, fmt.Errorf("至少需要一个数据源")
	}
	perSec := rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
	if cfg.RateLimitPerMin <= 0 {
		perSec = rate.Inf
	}
	svc := &Service{
		adapters:    cfg.Adapters,
		limiters:    make(map[string]*rate.Limiter, len(cfg.Adapters)),
		maxParallel: cfg.MaxConcurrent,
		maxAttempts: cfg.MaxAttempts,
		backoffMin:  cfg.BackoffMin,
		backoffMax:  cfg.BackoffMax,
		breakers:    cfg.Breakers,
	}
	if svc.maxParallel <= 0 {
		svc.maxParallel = 4
	}
	if svc.maxAttempts <= 0 {
		svc.maxAttempts = 3
	}
	if svc.backoffMin <= 0 {
		svc.backoffMin = 500 * time.Millisecond
	}
	if svc.backoffMax < svc.backoffMin {
		svc.backoffMax = 30 * time.Second
	}
	if svc.breakers == nil {
		svc.breakers = circuit.NewSet(0, 0)
	}
	seen := map[string]bool{}
	for _, a := range cfg.Adapters {
		name := a.Name()
		if seen[name] {
			return nil, fmt.Errorf("数据源重名: %s", name)
		}
		seen[name] = true
		svc.limiters[name] = rate.NewLimiter(perSec, max(1, svc.maxParallel))
	}
	return svc, nil
}

// Adapters 返回已注册的数据源（按注册顺序）。
func (s *Service) Adapters() []source.Adapter { return s.adapters }

// Fetch 对 plan 中的每个 (品种, 数据源) 并发拉取，全部结束后才返回。
// 单个失败不会中止其它任务；ctx 被取消时返回 ctx.Err()，已取消的任务不写入任何数据。
func (s *Service) Fetch(ctx context.Context, store *segment.Store, plan Plan) (Report, error) {
	if store == nil {
		return Report{}, fmt.Errorf("segment store 不能为空")
	}
	if len(plan.Instruments) == 0 {
		return Report{}, fmt.Errorf("instruments 不能为空")
	}
	plan.Range = plan.Timeframe.AlignRange(plan.Range)
	if plan.Range.Empty() {
		return Report{}, fmt.Errorf("拉取区间为空: %s", plan.Range)
	}

	var (
		mu      sync.Mutex
		results []Result
	)
	g := new(errgroup.Group)
	g.SetLimit(s.maxParallel)
	for _, inst := range plan.Instruments {
		for _, a := range s.adapters {
			inst, a := inst, a
			g.Go(func() error {
				res := s.fetchOne(ctx, store, a, inst, plan)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()
	sort.Slice(results, func(i, j int) bool {
		if results[i].Instrument != results[j].Instrument {
			return results[i].Instrument < results[j].Instrument
		}
		return results[i].Source < results[j].Source
	})
	report := Report{Results: results}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (s *Service) fetchOne(ctx context.Context, store *segment.Store, a source.Adapter, instrument string, plan Plan) Result {
	started := time.Now()
	res := Result{Instrument: strings.ToUpper(instrument), Source: a.Name(), Provenance: a.Provenance()}
	defer func() { res.Elapsed = time.Since(started) }()

	canonical, err := a.NormalizeSymbol(instrument)
	if err != nil {
		res.Err = err
		return res
	}
	res.Instrument = canonical
	req := source.FetchRequest{Instrument: canonical, Timeframe: plan.Timeframe, Range: plan.Range}
	if err := req.Validate(); err != nil {
		res.Err = err
		return res
	}
	key := req.Key(a.Provenance())
	breaker := s.breakers.For(a.Name())
	limiter := s.limiters[a.Name()]
	b := &backoff.Backoff{Min: s.backoffMin, Max: s.backoffMax, Factor: 2, Jitter: true}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		res.Attempts = attempt
		if err := breaker.Allow(); err != nil {
			res.Err = source.Unavailable(a.Name(), req, a.Provenance(), err)
			logger.Warnf("[backfill] %s %s 熔断中: %v", a.Name(), canonical, err)
			return res
		}
		if err := limiter.Wait(ctx); err != nil {
			res.Err = ctxOr(ctx, err)
			return res
		}
		seg, err := a.Fetch(ctx, req)
		if cerr := ctx.Err(); cerr != nil {
			// 取消或超时的拉取整体丢弃
			res.Err = cerr
			return res
		}
		if err == nil {
			breaker.RecordSuccess()
			return s.insert(store, res, seg)
		}
		if boundary, ok := market.ExhaustedBoundary(err); ok {
			breaker.RecordSuccess()
			ex := exhaustionOf(req.Range, seg, err)
			store.RecordExhausted(key, ex)
			res.Exhausted = &ex
			logger.Infof("[backfill] %s %s 到达保留边界 %s", a.Name(), canonical, formatBoundary(boundary))
			if seg.Empty() {
				return res
			}
			return s.insert(store, res, seg)
		}
		if !market.Retryable(err) {
			res.Err = err
			logger.Warnf("[backfill] %s %s 拉取失败(不可重试): %v", a.Name(), canonical, err)
			return res
		}
		breaker.RecordFailure()
		res.Err = err
		if attempt == s.maxAttempts {
			break
		}
		wait := b.Duration()
		logger.Warnf("[backfill] %s %s 第 %d 次失败，%s 后重试: %v", a.Name(), canonical, attempt, wait, err)
		if err := sleep(ctx, wait); err != nil {
			res.Err = err
			return res
		}
	}
	logger.Errorf("[backfill] %s %s 重试 %d 次仍失败: %v", a.Name(), canonical, res.Attempts, res.Err)
	return res
}

func (s *Service) insert(store *segment.Store, res Result, seg market.Segment) Result {
	if err := store.Insert(seg); err != nil {
		res.Err = err
		return res
	}
	res.Err = nil
	res.Candles = len(seg.Candles)
	res.Covered = seg.Range()
	logger.Infof("[backfill] %s %s 写入 %d 根 K 线 %s", res.Source, res.Instrument, res.Candles, res.Covered)
	return res
}

// exhaustionOf 根据部分结果的位置判断边界方向：数据从边界开始为最早边界，
// 到边界结束为最晚边界；两端都越界时同时记录。
func exhaustionOf(req market.Range, seg market.Segment, err error) segment.Exhaustion {
	if span, ok := market.ExhaustedSpan(err); ok {
		return segment.Exhaustion{Earliest: span.Start, Latest: span.End}
	}
	boundary, _ := market.ExhaustedBoundary(err)
	if boundary == 0 {
		return segment.Exhaustion{}
	}
	if !seg.Empty() {
		if seg.Start == boundary && boundary > req.Start {
			return segment.Exhaustion{Earliest: boundary}
		}
		return segment.Exhaustion{Latest: boundary}
	}
	if boundary >= req.End {
		return segment.Exhaustion{Earliest: boundary}
	}
	return segment.Exhaustion{Latest: boundary}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func ctxOr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

func formatBoundary(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
