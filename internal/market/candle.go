package market

import (
	"fmt"
	"math"
	"time"
)

// Provenance 标记一根 K 线来自哪一个上游数据源，本身不代表质量高低。
type Provenance string

const (
	ProvenanceVendor Provenance = "vendor-long-horizon"
	ProvenanceBroker Provenance = "broker-short-horizon"
)

func (p Provenance) String() string { return string(p) }

// OHLC 是一组价格四元组。
type OHLC struct {
	Open  float64 `json:"open" yaml:"open"`
	High  float64 `json:"high" yaml:"high"`
	Low   float64 `json:"low" yaml:"low"`
	Close float64 `json:"close" yaml:"close"`
}

// Valid 检查 high >= max(open,close) >= min(open,close) >= low。
func (p OHLC) Valid() bool {
	for _, v := range []float64{p.Open, p.High, p.Low, p.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return false
		}
	}
	hi := math.Max(p.Open, p.Close)
	lo := math.Min(p.Open, p.Close)
	return p.High >= hi && lo >= p.Low
}

// Candle 是归一化后的单根 K 线，OpenTime 为 UTC 毫秒且对齐周期网格。
type Candle struct {
	Instrument string     `json:"instrument"`
	Timeframe  string     `json:"timeframe"`
	OpenTime   int64      `json:"open_time"`
	Open       float64    `json:"open"`
	High       float64    `json:"high"`
	Low        float64    `json:"low"`
	Close      float64    `json:"close"`
	Volume     float64    `json:"volume"`
	Bid        *OHLC      `json:"bid,omitempty"`
	Ask        *OHLC      `json:"ask,omitempty"`
	Provenance Provenance `json:"provenance"`
}

func (c Candle) Prices() OHLC {
	return OHLC{Open: c.Open, High: c.High, Low: c.Low, Close: c.Close}
}

func (c Candle) Time() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

// Validate 校验价格关系与 bid/ask（若存在）。
func (c Candle) Validate() error {
	if !c.Prices().Valid() {
		return fmt.Errorf("ohlc 不满足 high>=max(open,close)>=min(open,close)>=low: o=%v h=%v l=%v c=%v",
			c.Open, c.High, c.Low, c.Close)
	}
	if c.Bid != nil && !c.Bid.Valid() {
		return fmt.Errorf("bid ohlc 非法")
	}
	if c.Ask != nil && !c.Ask.Valid() {
		return fmt.Errorf("ask ohlc 非法")
	}
	if c.Volume < 0 {
		return fmt.Errorf("volume 不能为负: %v", c.Volume)
	}
	return nil
}

// Equal 比较两根 K 线的数据内容（不含 provenance）。
func (c Candle) Equal(o Candle) bool {
	if c.Instrument != o.Instrument || c.Timeframe != o.Timeframe || c.OpenTime != o.OpenTime {
		return false
	}
	if c.Prices() != o.Prices() || c.Volume != o.Volume {
		return false
	}
	return ohlcPtrEqual(c.Bid, o.Bid) && ohlcPtrEqual(c.Ask, o.Ask)
}

func ohlcPtrEqual(a, b *OHLC) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// MergeBidAsk 以 bid/ask 的算术平均得到 mid 价格。
func MergeBidAsk(bid, ask OHLC) OHLC {
	return OHLC{
		Open:  (bid.Open + ask.Open) / 2,
		High:  (bid.High + ask.High) / 2,
		Low:   (bid.Low + ask.Low) / 2,
		Close: (bid.Close + ask.Close) / 2,
	}
}

// WithMid 用 bid/ask 的平均值填充 mid 价格。
func (c Candle) WithMid() Candle {
	if c.Bid == nil || c.Ask == nil {
		return c
	}
	mid := MergeBidAsk(*c.Bid, *c.Ask)
	c.Open, c.High, c.Low, c.Close = mid.Open, mid.High, mid.Low, mid.Close
	return c
}
