package market

// Resample 把细周期 K 线聚合到更粗的 target 周期：首个 open、最高 high、最低 low、最后 close、成交量求和。
// 没有任何源 K 线的桶直接省略，由后续 segment 构造记为缺口。
func Resample(candles []Candle, target Timeframe) []Candle {
	if len(candles) == 0 {
		return nil
	}
	out := make([]Candle, 0, len(candles)/int(max(1, target.Step()/60000))+1)
	var cur *Candle
	var bid, ask *OHLC
	flush := func() {
		if cur == nil {
			return
		}
		if bid != nil && ask != nil {
			b, a := *bid, *ask
			cur.Bid, cur.Ask = &b, &a
		}
		out = append(out, *cur)
		cur, bid, ask = nil, nil, nil
	}
	for _, c := range candles {
		bucket := target.Align(c.OpenTime)
		if cur != nil && cur.OpenTime != bucket {
			flush()
		}
		if cur == nil {
			next := c
			next.OpenTime = bucket
			next.Timeframe = target.Key
			next.Bid, next.Ask = nil, nil
			cur = &next
			if c.Bid != nil && c.Ask != nil {
				b, a := *c.Bid, *c.Ask
				bid, ask = &b, &a
			}
			continue
		}
		cur.High = max(cur.High, c.High)
		cur.Low = min(cur.Low, c.Low)
		cur.Close = c.Close
		cur.Volume += c.Volume
		if bid != nil && ask != nil && c.Bid != nil && c.Ask != nil {
			foldOHLC(bid, *c.Bid)
			foldOHLC(ask, *c.Ask)
		} else {
			bid, ask = nil, nil
		}
	}
	flush()
	return out
}

func foldOHLC(acc *OHLC, next OHLC) {
	acc.High = max(acc.High, next.High)
	acc.Low = min(acc.Low, next.Low)
	acc.Close = next.Close
}
