// Package boundary 比较两个不同来源在重叠窗口内的 K 线，找出分歧与重新一致的位置。
package boundary

import (
	"fmt"

	"fxcanon/internal/market"
)

// Outcome 是检测结果的类型标签。
type Outcome int

const (
	NoOverlap Outcome = iota
	Agree
	Disagree
	// ExhaustedBeforeResolution 重叠窗口结束时仍未重新一致（或根本没有可比较的点）。
	ExhaustedBeforeResolution
)

func (o Outcome) String() string {
	switch o {
	case NoOverlap:
		return "no-overlap"
	case Agree:
		return "agree"
	case Disagree:
		return "disagree"
	case ExhaustedBeforeResolution:
		return "exhausted-before-resolution"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result 描述一次 older/newer 重叠比较。
// older 拥有 [Overlap.Start, OlderUntil)，newer 拥有 [NewerFrom, Overlap.End)，
// 两者之间为 Ambiguous。
type Result struct {
	Outcome           Outcome
	Older             market.Provenance
	Newer             market.Provenance
	Overlap           market.Range
	ForwardAgreement  int64
	BackwardAgreement int64
	OlderUntil        int64
	NewerFrom         int64
	Ambiguous         []market.Range
	Compared          int
	Agreed            int
}

// Owner 返回 ts 在重叠窗口内的归属；ambiguous=true 时需要由调用方裁决。
func (r Result) Owner(ts int64) (p market.Provenance, ambiguous bool) {
	switch {
	case !r.Overlap.Contains(ts):
		return "", false
	case ts < r.OlderUntil:
		return r.Older, false
	case ts >= r.NewerFrom:
		return r.Newer, false
	default:
		return "", true
	}
}

type Detector struct {
	tol Tolerance
}

func NewDetector(tol Tolerance) *Detector {
	return &Detector{tol: tol}
}

func (d *Detector) Tolerance() Tolerance { return d.tol }

// Detect 比较 older 与 newer 两个 Segment。两者必须是同品种同周期、不同来源。
// 任一侧缺失 K 线的网格点直接跳过，不计为分歧。
func (d *Detector) Detect(older, newer market.Segment) (Result, error) {
	res := Result{
		Older:             older.Provenance,
		Newer:             newer.Provenance,
		ForwardAgreement:  -1,
		BackwardAgreement: -1,
	}
	if older.Instrument != newer.Instrument || older.Timeframe != newer.Timeframe {
		return res, fmt.Errorf("无法比较不同数据流: %s vs %s", older.Key(), newer.Key())
	}
	if older.Provenance == newer.Provenance {
		return res, fmt.Errorf("同一来源不做边界检测: %s", older.Key())
	}
	tf, err := market.ParseTimeframe(older.Timeframe)
	if err != nil {
		return res, err
	}
	res.Overlap = older.Range().Intersect(newer.Range())
	if res.Overlap.Empty() {
		res.Outcome = NoOverlap
		res.OlderUntil, res.NewerFrom = res.Overlap.Start, res.Overlap.Start
		return res, nil
	}

	limit := d.tol.For(older.Instrument)
	type point struct {
		ts int64
		ok bool
	}
	points := make([]point, 0, tf.Steps(res.Overlap))
	for _, ts := range tf.Grid(res.Overlap) {
		a, okA := older.At(ts)
		b, okB := newer.At(ts)
		if !okA || !okB {
			continue
		}
		p := point{ts: ts, ok: agree(a, b, limit)}
		points = append(points, p)
		res.Compared++
		if p.ok {
			res.Agreed++
		}
	}

	if res.Compared == 0 {
		res.Outcome = ExhaustedBeforeResolution
		res.OlderUntil, res.NewerFrom = res.Overlap.Start, res.Overlap.End
		res.Ambiguous = []market.Range{res.Overlap}
		return res, nil
	}

	// 正向：从重叠起点开始连续一致的最后一个点
	for _, p := range points {
		if !p.ok {
			break
		}
		res.ForwardAgreement = p.ts
	}
	// 反向：从重叠终点开始连续一致的最早一个点
	for i := len(points) - 1; i >= 0; i-- {
		if !points[i].ok {
			break
		}
		res.BackwardAgreement = points[i].ts
	}

	if res.Agreed == res.Compared {
		// 完全一致：整个重叠窗口交给更新鲜的来源
		res.Outcome = Agree
		res.OlderUntil, res.NewerFrom = res.Overlap.Start, res.Overlap.Start
		return res, nil
	}

	res.OlderUntil = res.Overlap.Start
	if res.ForwardAgreement >= 0 {
		res.OlderUntil = res.ForwardAgreement + tf.Step()
	}
	if res.BackwardAgreement >= 0 {
		res.Outcome = Disagree
		res.NewerFrom = res.BackwardAgreement
	} else {
		res.Outcome = ExhaustedBeforeResolution
		res.NewerFrom = res.Overlap.End
	}
	if band := (market.Range{Start: res.OlderUntil, End: res.NewerFrom}); !band.Empty() {
		res.Ambiguous = []market.Range{band}
	}
	return res, nil
}
