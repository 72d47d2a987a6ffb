// Package reconcile 把多个来源的 Segment 合并成一条规范序列。
//
// 输出对请求区间内的每个网格点都恰好给出一个 Entry（K 线或 Missing），
// 相同输入得到字节一致的结果。
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"fxcanon/internal/boundary"
	"fxcanon/internal/logger"
	"fxcanon/internal/market"
	"fxcanon/internal/segment"
)

// Config 控制来源排序与歧义区间的裁决。
type Config struct {
	// Latency 为各来源声明的数据延迟（毫秒）；越大越"旧"，裁决时默认选择更小者。
	Latency map[market.Provenance]int64
	// Prefer 非空时覆盖默认裁决，歧义区间优先选该来源。
	Prefer market.Provenance
}

type Reconciler struct {
	detector *boundary.Detector
	cfg      Config
}

func New(detector *boundary.Detector, cfg Config) *Reconciler {
	if detector == nil {
		detector = boundary.NewDetector(boundary.Tolerance{})
	}
	return &Reconciler{detector: detector, cfg: cfg}
}

func (r *Reconciler) latency(p market.Provenance) int64 {
	if v, ok := r.cfg.Latency[p]; ok {
		return v
	}
	if p == market.ProvenanceVendor {
		return int64(^uint64(0) >> 2)
	}
	return 0
}

// ordered 按"旧 → 新"排列来源：延迟大者在前，相同时按名字。
func (r *Reconciler) ordered(provs []market.Provenance) []market.Provenance {
	out := append([]market.Provenance(nil), provs...)
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := r.latency(out[i]), r.latency(out[j])
		if li != lj {
			return li > lj
		}
		return out[i] < out[j]
	})
	return out
}

// tiebreak 在两个候选间裁决：配置覆盖优先，否则选延迟更小的来源。
func (r *Reconciler) tiebreak(a, b market.Provenance) market.Provenance {
	if r.cfg.Prefer != "" {
		if a == r.cfg.Prefer {
			return a
		}
		if b == r.cfg.Prefer {
			return b
		}
	}
	la, lb := r.latency(a), r.latency(b)
	switch {
	case la < lb:
		return a
	case lb < la:
		return b
	case a < b:
		return a
	default:
		return b
	}
}

func tiebreakRule(p market.Provenance) Rule {
	switch p {
	case market.ProvenanceVendor:
		return RuleVendorTiebreak
	case market.ProvenanceBroker:
		return RuleBrokerTiebreak
	default:
		return Rule(string(p) + "-tiebreak")
	}
}

type pairResult struct {
	boundary.Result
	chosen market.Provenance
}

// Reconcile 对 snapshot 在 rng 上做合并。rng 会对齐到周期网格。
func (r *Reconciler) Reconcile(ctx context.Context, snap segment.Snapshot, rng market.Range) (*Series, error) {
	tf, err := market.ParseTimeframe(snap.Timeframe)
	if err != nil {
		return nil, err
	}
	rng = tf.AlignRange(rng)
	key := snap.Instrument + "@" + tf.Key

	segs := make(map[market.Provenance][]market.Segment, len(snap.Segments))
	for p, list := range snap.Segments {
		var clipped []market.Segment
		for _, s := range list {
			if s.Range().Overlaps(rng) {
				clipped = append(clipped, s.Clip(rng))
			}
		}
		sort.Slice(clipped, func(i, j int) bool { return clipped[i].Start < clipped[j].Start })
		if err := checkSameProvenance(tf, clipped); err != nil {
			return nil, err
		}
		if len(clipped) > 0 {
			segs[p] = clipped
		}
	}
	provs := make([]market.Provenance, 0, len(segs))
	for p := range segs {
		provs = append(provs, p)
	}
	provs = r.ordered(provs)

	// 两两检测边界：older 在前
	pairs := make(map[[2]market.Provenance][]pairResult)
	var records []BoundaryRecord
	var events []AmbiguousEvent
	for i := 0; i < len(provs); i++ {
		for j := i + 1; j < len(provs); j++ {
			older, newer := provs[i], provs[j]
			chosen := r.tiebreak(older, newer)
			for _, a := range segs[older] {
				for _, b := range segs[newer] {
					if !a.Range().Overlaps(b.Range()) {
						continue
					}
					res, err := r.detector.Detect(a, b)
					if err != nil {
						return nil, err
					}
					pk := [2]market.Provenance{older, newer}
					pairs[pk] = append(pairs[pk], pairResult{Result: res, chosen: chosen})
					records = append(records, BoundaryRecord{Older: older, Newer: newer, Outcome: res.Outcome.String(),
						Overlap: res.Overlap, OlderUntil: res.OlderUntil, NewerFrom: res.NewerFrom,
						Compared: res.Compared, Agreed: res.Agreed})
					for _, amb := range res.Ambiguous {
						// 带内没有任何双方都有数据的点时不会发生裁决
						if !bothPresent(tf, a, b, amb) {
							continue
						}
						ev := AmbiguousEvent{Start: amb.Start, End: amb.End, Older: older, Newer: newer,
							Chosen: chosen, Rule: tiebreakRule(chosen), Outcome: res.Outcome.String()}
						events = append(events, ev)
						logger.Audit("tiebreak", key,
							logger.AuditField{Key: "range", Value: amb.String()},
							logger.AuditField{Key: "older", Value: string(older)},
							logger.AuditField{Key: "newer", Value: string(newer)},
							logger.AuditField{Key: "chosen", Value: string(chosen)},
							logger.AuditField{Key: "outcome", Value: res.Outcome.String()},
							logger.AuditField{Key: "compared", Value: strconv.Itoa(res.Compared)},
						)
					}
				}
			}
		}
	}

	fetched := fetchedProvenances(snap)
	cursors := make([]*cursor, len(provs))
	for i, p := range provs {
		cursors[i] = &cursor{prov: p, segs: segs[p]}
	}

	series := &Series{
		Instrument: snap.Instrument,
		Timeframe:  tf.Key,
		Range:      rng,
		Entries:    make([]Entry, 0, tf.Steps(rng)),
		Ambiguous:  events,
		Boundaries: records,
	}
	type candidate struct {
		prov   market.Provenance
		candle market.Candle
	}
	cands := make([]candidate, 0, len(provs))
	step := tf.Step()
	for ts, n := rng.Start, 0; ts < rng.End; ts, n = ts+step, n+1 {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		cands = cands[:0]
		inGap := false
		for _, c := range cursors {
			seg, ok := c.at(ts)
			if !ok {
				continue
			}
			if candle, ok := seg.At(ts); ok {
				cands = append(cands, candidate{prov: c.prov, candle: candle})
			} else if seg.InKnownGap(ts) {
				inGap = true
			}
		}

		entry := Entry{OpenTime: ts}
		switch len(cands) {
		case 0:
			entry.Missing = missingReason(snap, fetched, ts, inGap)
		case 1:
			entry.Provenance = cands[0].prov
			entry.Rule = RuleSingleSource
			candle := cands[0].candle
			entry.Candle = &candle
		default:
			// 候选已按"旧 → 新"排序，逐个与当前胜者比较
			winner, rule := cands[0], Rule("")
			for _, next := range cands[1:] {
				p, rl := r.attribute(pairs, winner.prov, next.prov, ts)
				rule = rl
				if p == next.prov {
					winner = next
				}
			}
			entry.Provenance = winner.prov
			entry.Rule = rule
			candle := winner.candle
			entry.Candle = &candle
		}
		series.Entries = append(series.Entries, entry)
	}
	series.finalize()
	return series, nil
}

// attribute 用 older/newer 的检测结果决定 ts 的归属及规则。
func (r *Reconciler) attribute(pairs map[[2]market.Provenance][]pairResult, older, newer market.Provenance, ts int64) (market.Provenance, Rule) {
	for _, pr := range pairs[[2]market.Provenance{older, newer}] {
		if !pr.Overlap.Contains(ts) {
			continue
		}
		if pr.Outcome == boundary.Agree {
			return newer, RuleAgreement
		}
		owner, ambiguous := pr.Owner(ts)
		switch {
		case ambiguous:
			return pr.chosen, tiebreakRule(pr.chosen)
		case owner == older:
			return older, RuleVendorEra
		default:
			return newer, RuleBrokerEra
		}
	}
	// 没有检测结果时按延迟优先
	if r.latency(newer) <= r.latency(older) {
		return newer, RulePriority
	}
	return older, RulePriority
}

// missingReason 只有当快照中每个来源都在 ts 处越过了保留边界时才记为 exhausted；
// 任一来源本可以覆盖该点却没有数据，都记为 uncovered。
func missingReason(snap segment.Snapshot, fetched []market.Provenance, ts int64, inGap bool) MissingReason {
	if inGap {
		return MissingKnownGap
	}
	if len(fetched) == 0 {
		return MissingUncovered
	}
	for _, p := range fetched {
		ex, ok := snap.Exhausted[p]
		if !ok {
			return MissingUncovered
		}
		if !(ex.Earliest != 0 && ts < ex.Earliest) && !(ex.Latest != 0 && ts >= ex.Latest) {
			return MissingUncovered
		}
	}
	return MissingExhausted
}

func fetchedProvenances(snap segment.Snapshot) []market.Provenance {
	seen := make(map[market.Provenance]bool, len(snap.Segments)+len(snap.Exhausted))
	var out []market.Provenance
	for p := range snap.Segments {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for p := range snap.Exhausted {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// bothPresent 判断 band 内是否至少有一个点两个来源都有 K 线。
func bothPresent(tf market.Timeframe, a, b market.Segment, band market.Range) bool {
	for _, ts := range tf.Grid(band) {
		if _, ok := a.At(ts); !ok {
			continue
		}
		if _, ok := b.At(ts); ok {
			return true
		}
	}
	return false
}

// checkSameProvenance 复核同一来源的 Segment 之间没有互相矛盾的重叠。
func checkSameProvenance(tf market.Timeframe, segs []market.Segment) error {
	for i := 1; i < len(segs); i++ {
		for j := 0; j < i; j++ {
			a, b := segs[j], segs[i]
			ov := a.Range().Intersect(b.Range())
			if ov.Empty() {
				continue
			}
			for _, ts := range tf.Grid(ov) {
				ca, okA := a.At(ts)
				cb, okB := b.At(ts)
				if okA != okB || (okA && !ca.Equal(cb)) {
					return &market.Error{Kind: market.ErrIrreconcilableOverlap, Op: "reconcile",
						Instrument: a.Instrument, Timeframe: a.Timeframe, Provenance: a.Provenance,
						Range: ov, Err: fmt.Errorf("同一来源的两个 segment 在 %d 处不一致", ts)}
				}
			}
		}
	}
	return nil
}

// cursor 在有序 Segment 列表上单调前进。
type cursor struct {
	prov market.Provenance
	segs []market.Segment
	idx  int
}

func (c *cursor) at(ts int64) (market.Segment, bool) {
	for c.idx < len(c.segs) && c.segs[c.idx].End <= ts {
		c.idx++
	}
	if c.idx < len(c.segs) && c.segs[c.idx].Start <= ts {
		return c.segs[c.idx], true
	}
	return market.Segment{}, false
}
