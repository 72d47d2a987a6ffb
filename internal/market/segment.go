package market

import (
	"fmt"
	"sort"
	"time"
)

// Range 表示毫秒级半开区间 [Start, End)。
type Range struct {
	Start int64 `json:"start" yaml:"start"`
	End   int64 `json:"end" yaml:"end"`
}

func (r Range) Empty() bool { return r.End <= r.Start }

func (r Range) Contains(ts int64) bool { return ts >= r.Start && ts < r.End }

func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Intersect 返回两个区间的交集（可能为空）。
func (r Range) Intersect(o Range) Range {
	out := Range{Start: max(r.Start, o.Start), End: min(r.End, o.End)}
	if out.End < out.Start {
		out.End = out.Start
	}
	return out
}

func (r Range) String() string {
	return fmt.Sprintf("[%s,%s)", formatMillis(r.Start), formatMillis(r.End))
}

func formatMillis(ts int64) string {
	return time.UnixMilli(ts).UTC().Format(time.RFC3339)
}

// Key 唯一定位一条数据流：品种 + 周期 + 来源。
type Key struct {
	Instrument string
	Timeframe  string
	Provenance Provenance
}

func (k Key) String() string {
	return k.Instrument + "@" + k.Timeframe + "#" + string(k.Provenance)
}

// Segment 是单一数据源、单一品种周期上连续且有序的一段 K 线。
// [Start,End) 内的每个网格点要么有 K 线，要么落在 KnownGaps 中。
type Segment struct {
	Instrument string     `json:"instrument"`
	Timeframe  string     `json:"timeframe"`
	Provenance Provenance `json:"provenance"`
	Source     string     `json:"source"`
	Start      int64      `json:"start"`
	End        int64      `json:"end"`
	Candles    []Candle   `json:"candles"`
	KnownGaps  []Range    `json:"known_gaps,omitempty"`
}

func (s Segment) Key() Key {
	return Key{Instrument: s.Instrument, Timeframe: s.Timeframe, Provenance: s.Provenance}
}

func (s Segment) Range() Range { return Range{Start: s.Start, End: s.End} }

func (s Segment) Empty() bool { return s.End <= s.Start }

// At 二分查找 ts 对应的 K 线。
func (s Segment) At(ts int64) (Candle, bool) {
	idx := sort.Search(len(s.Candles), func(i int) bool { return s.Candles[i].OpenTime >= ts })
	if idx < len(s.Candles) && s.Candles[idx].OpenTime == ts {
		return s.Candles[idx], true
	}
	return Candle{}, false
}

// InKnownGap 判断 ts 是否位于数据源声明的缺口内。
func (s Segment) InKnownGap(ts int64) bool {
	for _, g := range s.KnownGaps {
		if g.Contains(ts) {
			return true
		}
	}
	return false
}

// Clip 返回裁剪到 r 内的副本。
func (s Segment) Clip(r Range) Segment {
	win := s.Range().Intersect(r)
	out := s
	out.Start, out.End = win.Start, win.End
	out.Candles = nil
	out.KnownGaps = nil
	for _, c := range s.Candles {
		if win.Contains(c.OpenTime) {
			out.Candles = append(out.Candles, c)
		}
	}
	for _, g := range s.KnownGaps {
		if cut := g.Intersect(win); !cut.Empty() {
			out.KnownGaps = append(out.KnownGaps, cut)
		}
	}
	return out
}

// NewSegment 校验并构造 Segment：排序、合并完全相同的重复点、拒绝冲突重复点，
// 并把 [start,end) 内缺失的网格点记为 KnownGaps。
func NewSegment(key Key, source string, r Range, candles []Candle) (Segment, error) {
	tf, err := ParseTimeframe(key.Timeframe)
	if err != nil {
		return Segment{}, err
	}
	if r.End < r.Start {
		return Segment{}, fmt.Errorf("segment 区间非法: %s", r)
	}
	if !tf.OnGrid(r.Start) || !tf.OnGrid(r.End) {
		return Segment{}, &Error{Kind: ErrMalformedRecord, Op: "segment", Instrument: key.Instrument,
			Timeframe: key.Timeframe, Provenance: key.Provenance, Source: source, Range: r,
			Err: fmt.Errorf("segment 边界未对齐 %s 网格", tf.Key)}
	}
	sorted := make([]Candle, len(candles))
	copy(sorted, candles)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OpenTime < sorted[j].OpenTime })

	out := make([]Candle, 0, len(sorted))
	for _, c := range sorted {
		c.Instrument = key.Instrument
		c.Timeframe = key.Timeframe
		c.Provenance = key.Provenance
		bad := func(format string, args ...any) error {
			return &Error{Kind: ErrMalformedRecord, Op: "segment", Instrument: key.Instrument,
				Timeframe: key.Timeframe, Provenance: key.Provenance, Source: source,
				Range: Range{Start: c.OpenTime, End: c.OpenTime + tf.Step()}, Err: fmt.Errorf(format, args...)}
		}
		if !tf.OnGrid(c.OpenTime) {
			return Segment{}, bad("时间戳未对齐 %s 网格: %d", tf.Key, c.OpenTime)
		}
		if !r.Contains(c.OpenTime) {
			return Segment{}, bad("时间戳超出 segment 区间 %s", r)
		}
		if err := c.Validate(); err != nil {
			return Segment{}, bad("%v", err)
		}
		if n := len(out); n > 0 && out[n-1].OpenTime == c.OpenTime {
			if out[n-1].Equal(c) {
				continue
			}
			return Segment{}, bad("同一时间戳存在不同数据")
		}
		out = append(out, c)
	}
	seg := Segment{
		Instrument: key.Instrument,
		Timeframe:  key.Timeframe,
		Provenance: key.Provenance,
		Source:     source,
		Start:      r.Start,
		End:        r.End,
		Candles:    out,
	}
	seg.KnownGaps = missingRuns(tf, r, out)
	return seg, nil
}

// missingRuns 计算 [r.Start,r.End) 中没有 K 线的连续网格区间。
func missingRuns(tf Timeframe, r Range, candles []Candle) []Range {
	step := tf.Step()
	var gaps []Range
	cursor := r.Start
	for _, c := range candles {
		if c.OpenTime > cursor {
			gaps = append(gaps, Range{Start: cursor, End: c.OpenTime})
		}
		cursor = c.OpenTime + step
	}
	if cursor < r.End {
		gaps = append(gaps, Range{Start: cursor, End: r.End})
	}
	return gaps
}

// Validate 复核 Segment 不变量，供 Store 与 Reconciler 做防御性检查。
func (s Segment) Validate() error {
	tf, err := ParseTimeframe(s.Timeframe)
	if err != nil {
		return err
	}
	var prev int64 = -1
	for _, c := range s.Candles {
		if !tf.OnGrid(c.OpenTime) || !s.Range().Contains(c.OpenTime) {
			return fmt.Errorf("segment %s 含越界或未对齐的 K 线 %d", s.Key(), c.OpenTime)
		}
		if prev >= 0 && c.OpenTime <= prev {
			return fmt.Errorf("segment %s 时间戳未严格递增 %d", s.Key(), c.OpenTime)
		}
		prev = c.OpenTime
	}
	return nil
}
