package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"fxcanon/internal/market"
)

// Rule 记录每个时间点由哪条规则选出。
type Rule string

const (
	RuleSingleSource   Rule = "single-source"
	RuleVendorEra      Rule = "vendor-era"
	RuleBrokerEra      Rule = "broker-era"
	RuleAgreement      Rule = "agreement"
	RuleBrokerTiebreak Rule = "broker-tiebreak"
	RuleVendorTiebreak Rule = "vendor-tiebreak"
	RulePriority       Rule = "priority"
)

// MissingReason 说明缺失点为何没有数据。
type MissingReason string

const (
	MissingUncovered MissingReason = "uncovered"
	MissingKnownGap  MissingReason = "known-gap"
	MissingExhausted MissingReason = "exhausted"
	// MissingNotWritten 只出现在读取结果中：该时间点从未写入规范存储。
	MissingNotWritten MissingReason = "not-written"
)

// Entry 对应规范网格上的一个时间点：要么是带唯一来源的 K 线，要么是 Missing。
type Entry struct {
	OpenTime   int64             `json:"t"`
	Candle     *market.Candle    `json:"candle,omitempty"`
	Provenance market.Provenance `json:"provenance,omitempty"`
	Rule       Rule              `json:"rule,omitempty"`
	Missing    MissingReason     `json:"missing,omitempty"`
}

func (e Entry) IsMissing() bool { return e.Candle == nil }

// Span 是相同 (provenance, rule, missing) 的连续时间段。
type Span struct {
	Start      int64             `json:"start" yaml:"start"`
	End        int64             `json:"end" yaml:"end"`
	Provenance market.Provenance `json:"provenance,omitempty" yaml:"provenance,omitempty"`
	Rule       Rule              `json:"rule,omitempty" yaml:"rule,omitempty"`
	Missing    MissingReason     `json:"missing,omitempty" yaml:"missing,omitempty"`
	Count      int               `json:"count" yaml:"count"`
}

func (s Span) Range() market.Range { return market.Range{Start: s.Start, End: s.End} }

type Gap struct {
	Start  int64         `json:"start" yaml:"start"`
	End    int64         `json:"end" yaml:"end"`
	Reason MissingReason `json:"reason" yaml:"reason"`
}

// AmbiguousEvent 记录一次需要裁决的分歧区间。它是事件而不是错误。
type AmbiguousEvent struct {
	Start   int64             `json:"start" yaml:"start"`
	End     int64             `json:"end" yaml:"end"`
	Older   market.Provenance `json:"older" yaml:"older"`
	Newer   market.Provenance `json:"newer" yaml:"newer"`
	Chosen  market.Provenance `json:"chosen" yaml:"chosen"`
	Rule    Rule              `json:"rule" yaml:"rule"`
	Outcome string            `json:"outcome" yaml:"outcome"`
}

// BoundaryRecord 是边界检测结果的可序列化摘要。
type BoundaryRecord struct {
	Older      market.Provenance `json:"older" yaml:"older"`
	Newer      market.Provenance `json:"newer" yaml:"newer"`
	Outcome    string            `json:"outcome" yaml:"outcome"`
	Overlap    market.Range      `json:"overlap" yaml:"overlap"`
	OlderUntil int64             `json:"older_until" yaml:"older_until"`
	NewerFrom  int64             `json:"newer_from" yaml:"newer_from"`
	Compared   int               `json:"compared" yaml:"compared"`
	Agreed     int               `json:"agreed" yaml:"agreed"`
}

// Series 是一次对账运行的规范输出，创建后不可变。
type Series struct {
	Instrument string           `json:"instrument"`
	Timeframe  string           `json:"timeframe"`
	Range      market.Range     `json:"range"`
	Entries    []Entry          `json:"entries"`
	Spans      []Span           `json:"spans"`
	Gaps       []Gap            `json:"gaps"`
	Ambiguous  []AmbiguousEvent `json:"ambiguous"`
	Boundaries []BoundaryRecord `json:"boundaries"`
	Digest     string           `json:"digest"`
	Version    int              `json:"version"`
}

// Stats 汇总各来源的点数，供运行台账与报告使用。
type Stats struct {
	ByProvenance map[market.Provenance]int `json:"by_provenance" yaml:"by_provenance"`
	ByRule       map[Rule]int              `json:"by_rule" yaml:"by_rule"`
	Missing      int                       `json:"missing" yaml:"missing"`
	Tiebreaks    int                       `json:"tiebreaks" yaml:"tiebreaks"`
	Total        int                       `json:"total" yaml:"total"`
}

func (s *Series) Stats() Stats {
	st := Stats{ByProvenance: map[market.Provenance]int{}, ByRule: map[Rule]int{}}
	for _, e := range s.Entries {
		st.Total++
		if e.IsMissing() {
			st.Missing++
			continue
		}
		st.ByProvenance[e.Provenance]++
		st.ByRule[e.Rule]++
		if IsTiebreak(e.Rule) {
			st.Tiebreaks++
		}
	}
	return st
}

func IsTiebreak(r Rule) bool { return strings.HasSuffix(string(r), "-tiebreak") }

// Candles 返回非缺失点的 K 线（按时间排序）。
func (s *Series) Candles() []market.Candle {
	out := make([]market.Candle, 0, len(s.Entries))
	for _, e := range s.Entries {
		if e.Candle != nil {
			out = append(out, *e.Candle)
		}
	}
	return out
}

// finalize 从 Entries 派生 Spans、Gaps 与 Digest。
func (s *Series) finalize() {
	s.Spans = s.Spans[:0]
	s.Gaps = s.Gaps[:0]
	step := int64(0)
	if tf, err := market.ParseTimeframe(s.Timeframe); err == nil {
		step = tf.Step()
	}
	for _, e := range s.Entries {
		n := len(s.Spans)
		if n > 0 {
			last := &s.Spans[n-1]
			if last.End == e.OpenTime && last.Provenance == e.Provenance && last.Rule == e.Rule && last.Missing == e.Missing {
				last.End += step
				last.Count++
				continue
			}
		}
		s.Spans = append(s.Spans, Span{Start: e.OpenTime, End: e.OpenTime + step, Provenance: e.Provenance,
			Rule: e.Rule, Missing: e.Missing, Count: 1})
	}
	for _, sp := range s.Spans {
		if sp.Missing == "" {
			continue
		}
		if n := len(s.Gaps); n > 0 && s.Gaps[n-1].End == sp.Start && s.Gaps[n-1].Reason == sp.Missing {
			s.Gaps[n-1].End = sp.End
			continue
		}
		s.Gaps = append(s.Gaps, Gap{Start: sp.Start, End: sp.End, Reason: sp.Missing})
	}
	s.Digest = Digest(s.Instrument, s.Timeframe, s.Entries)
}

// Digest 对规范编码做 SHA-256。版本号不参与计算，同内容不同版本摘要一致。
func Digest(instrument, timeframe string, entries []Entry) string {
	h := sha256.New()
	var buf []byte
	buf = append(buf, instrument...)
	buf = append(buf, '|')
	buf = append(buf, timeframe...)
	buf = append(buf, '\n')
	h.Write(buf)
	for _, e := range entries {
		buf = EncodeEntry(buf[:0], e)
		buf = append(buf, '\n')
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EncodeEntry 追加一行稳定的文本编码：t|provenance|rule|missing|o|h|l|c|v[|bid|ask]。
func EncodeEntry(buf []byte, e Entry) []byte {
	buf = strconv.AppendInt(buf, e.OpenTime, 10)
	buf = append(buf, '|')
	buf = append(buf, e.Provenance...)
	buf = append(buf, '|')
	buf = append(buf, e.Rule...)
	buf = append(buf, '|')
	buf = append(buf, e.Missing...)
	if e.Candle == nil {
		return buf
	}
	c := e.Candle
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		buf = append(buf, '|')
		buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
	}
	for _, side := range []*market.OHLC{c.Bid, c.Ask} {
		if side == nil {
			continue
		}
		for _, v := range []float64{side.Open, side.High, side.Low, side.Close} {
			buf = append(buf, '|')
			buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
		}
	}
	return buf
}

// Assemble 由已持久化的 Entries 重新组装 Series，派生 Spans、Gaps 与 Digest。
func Assemble(instrument, timeframe string, rng market.Range, entries []Entry, version int) *Series {
	s := &Series{Instrument: instrument, Timeframe: timeframe, Range: rng, Entries: entries, Version: version}
	s.finalize()
	return s
}
