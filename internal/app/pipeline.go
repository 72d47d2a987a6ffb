package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fxcanon/internal/backfill"
	"fxcanon/internal/canonical"
	"fxcanon/internal/logger"
	"fxcanon/internal/market"
	"fxcanon/internal/pkg/symbol"
	"fxcanon/internal/reconcile"
	"fxcanon/internal/report"
	"fxcanon/internal/segment"
	"fxcanon/internal/store/runlog"
)

// Target 描述一次运行：品种、周期与区间。
type Target struct {
	Instruments []string
	Timeframe   market.Timeframe
	Range       market.Range
}

// InstrumentResult 是单个品种一次运行的结果。
type InstrumentResult struct {
	Instrument  string
	RunID       string
	Series      *reconcile.Series
	Write       canonical.WriteResult
	Report      report.Paths
	FetchErrors []string
	Err         error
}

// Pipeline 串起一次完整运行：拉取 → 对账 → 写入规范存储 → 报告 → 台账。
// 每次 Run 使用独立的 Segment Store。
type Pipeline struct {
	fetcher    *backfill.Service
	reconciler *reconcile.Reconciler
	canon      *canonical.Store
	runs       *runlog.Store
	reportDir  string
	policy     canonical.Policy
	now        func() time.Time
}

type PipelineDeps struct {
	Fetcher    *backfill.Service
	Reconciler *reconcile.Reconciler
	Canonical  *canonical.Store
	Runs       *runlog.Store
	ReportDir  string
	Policy     canonical.Policy
}

func NewPipeline(deps PipelineDeps) (*Pipeline, error) {
	if deps.Fetcher == nil || deps.Reconciler == nil || deps.Canonical == nil || deps.Runs == nil {
		return nil, fmt.Errorf("pipeline 依赖不完整")
	}
	policy := deps.Policy
	if policy == "" {
		policy = canonical.PolicySupersede
	}
	return &Pipeline{
		fetcher:    deps.Fetcher,
		reconciler: deps.Reconciler,
		canon:      deps.Canonical,
		runs:       deps.Runs,
		reportDir:  deps.ReportDir,
		policy:     policy,
		now:        time.Now,
	}, nil
}

// Run 对 target 中的所有品种执行一次运行。单个品种失败不影响其它品种，
// 返回值汇总所有品种的错误；ctx 取消时放弃尚未写入的结果并返回 ctx.Err()。
func (p *Pipeline) Run(ctx context.Context, target Target) ([]InstrumentResult, error) {
	rng := target.Timeframe.AlignRange(target.Range)
	if rng.Empty() {
		return nil, fmt.Errorf("运行区间为空: %s", target.Range)
	}
	instruments, err := normalizeInstruments(target.Instruments)
	if err != nil {
		return nil, err
	}
	target.Instruments = instruments
	results := make([]InstrumentResult, 0, len(instruments))
	for _, inst := range instruments {
		run, err := p.runs.Start(ctx, inst, target.Timeframe.Key, rng)
		if err != nil {
			return nil, fmt.Errorf("登记运行失败 %s: %w", inst, err)
		}
		results = append(results, InstrumentResult{Instrument: inst, RunID: run.ID})
	}
	logger.Infof("[pipeline] 开始运行 instruments=%v tf=%s range=%s", target.Instruments, target.Timeframe.Key, rng)

	store := segment.NewStore()
	fetchReport, err := p.fetcher.Fetch(ctx, store, backfill.Plan{
		Instruments: target.Instruments,
		Timeframe:   target.Timeframe,
		Range:       rng,
	})
	if err != nil {
		p.abort(ctx, results, err)
		return results, err
	}

	var errs []error
	for i := range results {
		res := &results[i]
		res.FetchErrors = fetchReport.ErrorsFor(res.Instrument)
		res.Series, res.Write, res.Report, res.Err = p.finish(ctx, store, fetchReport, res, target.Timeframe, rng)
		if ctx.Err() != nil {
			p.abort(ctx, results[i:], ctx.Err())
			return results, ctx.Err()
		}
		p.record(ctx, res)
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Instrument, res.Err))
		}
	}
	return results, errors.Join(errs...)
}

func (p *Pipeline) finish(ctx context.Context, store *segment.Store, fetchReport backfill.Report, res *InstrumentResult,
	tf market.Timeframe, rng market.Range) (*reconcile.Series, canonical.WriteResult, report.Paths, error) {
	if !fetchReport.Succeeded(res.Instrument) {
		return nil, canonical.WriteResult{}, report.Paths{}, fmt.Errorf("所有数据源均失败")
	}
	series, err := p.reconciler.Reconcile(ctx, store.Snapshot(res.Instrument, tf.Key), rng)
	if err != nil {
		return nil, canonical.WriteResult{}, report.Paths{}, err
	}
	// 部分来源失败时缺少的数据会显示为 Missing，不能借 supersede 覆盖已有的完整版本
	policy := p.policy
	if len(res.FetchErrors) > 0 {
		policy = canonical.PolicyReject
	}
	wr, err := p.canon.Write(ctx, series, canonical.WriteOptions{RunID: res.RunID, Policy: policy})
	auditWrite(res, tf, policy, wr, err)
	if err != nil {
		return series, wr, report.Paths{}, err
	}
	st := series.Stats()
	logger.Infof("[pipeline] %s@%s v%d appended=%d unchanged=%d noop=%v superseded=%v missing=%d tiebreaks=%d digest=%s",
		res.Instrument, tf.Key, wr.Version, wr.Appended, wr.Unchanged, wr.NoOp, wr.Superseded, st.Missing, st.Tiebreaks, short(series.Digest))

	var paths report.Paths
	if p.reportDir != "" {
		meta := report.Meta{
			RunID:       res.RunID,
			GeneratedAt: p.now().UTC(),
			NoOp:        wr.NoOp,
			Superseded:  wr.Superseded,
			Sources:     sourceResults(fetchReport, res.Instrument),
		}
		paths, err = report.Write(p.reportDir, series, meta)
		if err != nil {
			logger.Warnf("[pipeline] %s 生成报告失败: %v", res.Instrument, err)
			paths = report.Paths{}
		}
	}
	return series, wr, paths, nil
}

func (p *Pipeline) record(ctx context.Context, res *InstrumentResult) {
	out := runlog.Outcome{
		Series:      res.Series,
		NoOp:        res.Write.NoOp,
		Superseded:  res.Write.Superseded,
		FetchErrors: res.FetchErrors,
		Err:         res.Err,
		ReportPath:  res.Report.YAML,
	}
	if res.Err != nil {
		logger.Errorf("[pipeline] %s 运行失败: %v", res.Instrument, res.Err)
	}
	if _, err := p.runs.Finish(ctx, res.RunID, out); err != nil {
		logger.Warnf("[pipeline] %s 写回台账失败: %v", res.Instrument, err)
	}
}

// abort 把尚未完成的运行记为失败；ctx 已取消，台账写入改用不可取消的 ctx。
func (p *Pipeline) abort(ctx context.Context, results []InstrumentResult, cause error) {
	bg := context.WithoutCancel(ctx)
	for i := range results {
		results[i].Err = cause
		if _, err := p.runs.Finish(bg, results[i].RunID, runlog.Outcome{Err: cause}); err != nil {
			logger.Warnf("[pipeline] %s 写回台账失败: %v", results[i].Instrument, err)
		}
	}
	logger.Warnf("[pipeline] 运行中止: %v", cause)
}

func auditWrite(res *InstrumentResult, tf market.Timeframe, policy canonical.Policy, wr canonical.WriteResult, err error) {
	decision := "append"
	switch {
	case err != nil:
		decision = "conflict"
	case wr.NoOp:
		decision = "noop"
	case wr.Superseded:
		decision = "supersede"
	}
	fields := []logger.AuditField{
		{Key: "run", Value: res.RunID},
		{Key: "decision", Value: decision},
		{Key: "policy", Value: string(policy)},
		{Key: "version", Value: strconv.Itoa(wr.Version)},
		{Key: "appended", Value: strconv.Itoa(wr.Appended)},
	}
	if err != nil {
		fields = append(fields, logger.AuditField{Key: "error", Value: err.Error()})
	}
	logger.Audit("write", res.Instrument+"@"+tf.Key, fields...)
}

// normalizeInstruments 转为规范拼写并去重，数据源与存储都以规范拼写为键。
func normalizeInstruments(raw []string) ([]string, error) {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		inst, err := symbol.MustNormalize(r)
		if err != nil {
			return nil, err
		}
		if seen[inst] {
			continue
		}
		seen[inst] = true
		out = append(out, inst)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("没有需要运行的品种")
	}
	return out, nil
}

func sourceResults(r backfill.Report, instrument string) []report.SourceResult {
	var out []report.SourceResult
	for _, res := range r.Results {
		if res.Instrument != instrument {
			continue
		}
		var earliest, latest int64
		if res.Exhausted != nil {
			earliest, latest = res.Exhausted.Earliest, res.Exhausted.Latest
		}
		out = append(out, report.SourceFrom(res.Source, res.Candles, res.Attempts, earliest, latest, res.Err, res.Elapsed))
	}
	return out
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
