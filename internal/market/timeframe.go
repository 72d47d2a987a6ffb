package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Timeframe 描述 K 线周期（内部 key + duration）。
type Timeframe struct {
	Key      string
	Duration time.Duration
}

var supportedTimeframes = map[string]Timeframe{
	"1m":  {Key: "1m", Duration: time.Minute},
	"5m":  {Key: "5m", Duration: 5 * time.Minute},
	"15m": {Key: "15m", Duration: 15 * time.Minute},
	"30m": {Key: "30m", Duration: 30 * time.Minute},
	"1h":  {Key: "1h", Duration: time.Hour},
	"4h":  {Key: "4h", Duration: 4 * time.Hour},
	"1d":  {Key: "1d", Duration: 24 * time.Hour},
}

var timeframeAliases = map[string]string{
	"m1": "1m", "1min": "1m",
	"m5": "5m", "5min": "5m",
	"m15": "15m", "15min": "15m",
	"m30": "30m", "30min": "30m",
	"h1": "1h", "60m": "1h",
	"h4": "4h", "240m": "4h",
	"d1": "1d", "1440m": "1d",
}

// ParseTimeframe 返回标准化周期定义。
func ParseTimeframe(input string) (Timeframe, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	if alias, ok := timeframeAliases[key]; ok {
		key = alias
	}
	tf, ok := supportedTimeframes[key]
	if !ok {
		return Timeframe{}, fmt.Errorf("不支持的周期: %s", input)
	}
	return tf, nil
}

// MustTimeframe 用于常量场景（测试、默认值）。
func MustTimeframe(input string) Timeframe {
	tf, err := ParseTimeframe(input)
	if err != nil {
		panic(err)
	}
	return tf
}

// SupportedTimeframes 返回所有支持的 key（按周期长度排序）。
func SupportedTimeframes() []string {
	list := make([]Timeframe, 0, len(supportedTimeframes))
	for _, tf := range supportedTimeframes {
		list = append(list, tf)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Duration < list[j].Duration })
	keys := make([]string, 0, len(list))
	for _, tf := range list {
		keys = append(keys, tf.Key)
	}
	return keys
}

func (tf Timeframe) String() string { return tf.Key }

// Step 返回周期的毫秒数。
func (tf Timeframe) Step() int64 {
	return tf.Duration.Milliseconds()
}

func alignDown(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}

// Align 将毫秒时间向下对齐到周期网格。
func (tf Timeframe) Align(ts int64) int64 {
	return alignDown(ts, tf.Step())
}

// AlignUp 将毫秒时间向上对齐到周期网格。
func (tf Timeframe) AlignUp(ts int64) int64 {
	down := tf.Align(ts)
	if down == ts {
		return ts
	}
	return down + tf.Step()
}

// OnGrid 判断时间戳是否恰好落在网格上。
func (tf Timeframe) OnGrid(ts int64) bool {
	return tf.Step() > 0 && tf.Align(ts) == ts
}

// AlignRange 把 [start,end) 收敛到网格：start 向上取整，end 向下取整，保证 start<=end。
func (tf Timeframe) AlignRange(r Range) Range {
	if r.End < r.Start {
		r.Start, r.End = r.End, r.Start
	}
	out := Range{Start: tf.AlignUp(r.Start), End: tf.Align(r.End)}
	if out.End < out.Start {
		out.End = out.Start
	}
	return out
}

// Steps 计算 [start,end) 内的网格点数量。
func (tf Timeframe) Steps(r Range) int64 {
	step := tf.Step()
	if step <= 0 || r.End <= r.Start {
		return 0
	}
	first := tf.AlignUp(r.Start)
	if first >= r.End {
		return 0
	}
	return (r.End-first-1)/step + 1
}

// Grid 返回 [start,end) 内的全部网格时间戳。
func (tf Timeframe) Grid(r Range) []int64 {
	n := tf.Steps(r)
	if n == 0 {
		return nil
	}
	step := tf.Step()
	out := make([]int64, 0, n)
	for ts := tf.AlignUp(r.Start); ts < r.End; ts += step {
		out = append(out, ts)
	}
	return out
}
