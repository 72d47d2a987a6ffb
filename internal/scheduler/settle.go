package scheduler

import (
	"time"

	"fxcanon/internal/market"
)

// DefaultSettleGrace 为 K 线收盘后等待数据源落定的时间。
const DefaultSettleGrace = 10 * time.Second

// SettledEnd 返回 now 时刻可安全拉取的区间终点：最后一根已收盘且超过 grace 的 K 线之后的网格点。
// 未收盘或刚收盘的 K 线可能在下一轮变化，写入后会与规范存储冲突。
func SettledEnd(tf market.Timeframe, now time.Time, grace time.Duration) int64 {
	if grace < 0 {
		grace = 0
	}
	return tf.Align(now.UTC().Add(-grace).UnixMilli())
}
