// Package binance 以 go-binance SDK 拉取 USDT 合约 K 线，作为额外的具名数据源。
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fxcanon/internal/market"
	"fxcanon/internal/pkg/symbol"
	"fxcanon/internal/source"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	Name            = "binance"
	maxHistoryLimit = 1500
)

// Provenance 为该数据源的来源标签。
const Provenance market.Provenance = "binance"

type Config struct {
	BaseURL string
	Timeout time.Duration
	Latency time.Duration
	Now     func() time.Time
}

type Source struct {
	client  *futures.Client
	latency time.Duration
	now     func() time.Time
}

func New(cfg Config) *Source {
	client := futures.NewClient("", "")
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		client.BaseURL = strings.TrimRight(base, "/")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	latency := cfg.Latency
	if latency <= 0 {
		latency = time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Source{client: client, latency: latency, now: now}
}

func (s *Source) Name() string { return Name }

func (s *Source) Provenance() market.Provenance { return Provenance }

func (s *Source) DeclaredLatency() int64 { return s.latency.Milliseconds() }

func (s *Source) NormalizeSymbol(raw string) (string, error) {
	return symbol.MustNormalize(symbol.Binance.FromExchange(raw))
}

// Fetch 按 1500 根一页向后翻页，直到覆盖请求区间。
func (s *Source) Fetch(ctx context.Context, req source.FetchRequest) (market.Segment, error) {
	p := s.Provenance()
	if err := req.Validate(); err != nil {
		return market.Segment{}, source.Malformed(Name, req, p, err)
	}
	instrument, err := s.NormalizeSymbol(req.Instrument)
	if err != nil {
		return market.Segment{}, source.Malformed(Name, req, p, err)
	}
	req.Instrument = instrument
	tf := req.Timeframe
	req.Range = tf.AlignRange(req.Range)
	step := tf.Step()

	closedBefore := tf.Align(s.now().UnixMilli())
	var candles []market.Candle
	cursor := req.Range.Start
	for cursor < req.Range.End {
		kls, err := s.client.NewKlinesService().
			Symbol(symbol.Binance.ToExchange(instrument)).
			Interval(tf.Key).
			StartTime(cursor).
			EndTime(req.Range.End - 1).
			Limit(maxHistoryLimit).
			Do(ctx)
		if err != nil {
			return market.Segment{}, s.classify(ctx, req, err)
		}
		if len(kls) == 0 {
			break
		}
		for _, kl := range kls {
			if kl == nil || kl.OpenTime >= closedBefore {
				continue
			}
			c, err := toCandle(kl)
			if err != nil {
				return market.Segment{}, source.Malformed(Name, req, p, err)
			}
			candles = append(candles, c)
		}
		next := kls[len(kls)-1].OpenTime + step
		if next <= cursor {
			break
		}
		cursor = next
	}

	win := req.Range
	var exhausted error
	if len(candles) == 0 {
		return market.Segment{}, source.Exhausted(Name, req, p, 0, fmt.Errorf("区间内无 K 线"))
	}
	if first := candles[0].OpenTime; first > win.Start {
		// 上市时间晚于请求起点
		win.Start = first
		exhausted = source.Exhausted(Name, req, p, first, fmt.Errorf("合约最早 K 线晚于请求起点"))
	}
	if win.End > closedBefore {
		win.End = max(closedBefore, win.Start)
	}
	seg, err := market.NewSegment(req.Key(p), Name, win, candles)
	if err != nil {
		return market.Segment{}, err
	}
	return seg, exhausted
}

func (s *Source) classify(ctx context.Context, req source.FetchRequest, err error) error {
	p := s.Provenance()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return source.ContextErr(Name, req, p, ctxErr)
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		// -1003 限频，-1000/-1001 服务端内部错误；其余视为请求本身不合法
		switch apiErr.Code {
		case -1000, -1001, -1003:
			return source.Unavailable(Name, req, p, err)
		default:
			return source.Malformed(Name, req, p, err)
		}
	}
	return source.Unavailable(Name, req, p, err)
}

func toCandle(kl *futures.Kline) (market.Candle, error) {
	var px [5]float64
	for i, raw := range []string{kl.Open, kl.High, kl.Low, kl.Close, kl.Volume} {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return market.Candle{}, fmt.Errorf("kline %d 字段解析失败: %w", kl.OpenTime, err)
		}
		px[i] = v
	}
	return market.Candle{
		OpenTime: kl.OpenTime,
		Open:     px[0],
		High:     px[1],
		Low:      px[2],
		Close:    px[3],
		Volume:   px[4],
	}, nil
}
