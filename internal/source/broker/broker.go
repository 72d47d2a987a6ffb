// Package broker 通过交易终端桥接服务拉取经纪商自有的短周期历史 K 线。
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"fxcanon/internal/market"
	"fxcanon/internal/pkg/symbol"
	"fxcanon/internal/source"

	"github.com/tidwall/gjson"
)

const Name = "broker"

var terminalTimeframes = map[string]string{
	"1m": "M1", "5m": "M5", "15m": "M15", "30m": "M30", "1h": "H1", "4h": "H4", "1d": "D1",
}

type Config struct {
	BaseURL string
	// Suffix 为经纪商给品种追加的装饰，如 ".m"。
	Suffix string
	// ServerZone 为终端服务器时区（终端时间戳按该时区的本地时间编码）。
	ServerZone string
	Timeout    time.Duration
	Latency    time.Duration
	// Retention 在桥接服务未返回 earliest 时作为保留窗口估计。
	Retention time.Duration
	Client    *http.Client
	Now       func() time.Time
}

// Source 实现 source.Adapter。
type Source struct {
	baseURL   string
	conv      symbol.BrokerConverter
	zone      *time.Location
	client    *http.Client
	latency   time.Duration
	retention time.Duration
	now       func() time.Time
}

func New(cfg Config) (*Source, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("broker base_url 不能为空")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("broker base_url 非法: %w", err)
	}
	zone := time.UTC
	if name := strings.TrimSpace(cfg.ServerZone); name != "" {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("broker server_zone 非法: %w", err)
		}
		zone = loc
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	latency := cfg.Latency
	if latency <= 0 {
		latency = time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Source{
		baseURL:   base,
		conv:      symbol.BrokerConverter{Suffix: cfg.Suffix},
		zone:      zone,
		client:    client,
		latency:   latency,
		retention: cfg.Retention,
		now:       now,
	}, nil
}

func (s *Source) Name() string { return Name }

func (s *Source) Provenance() market.Provenance { return market.ProvenanceBroker }

func (s *Source) DeclaredLatency() int64 { return s.latency.Milliseconds() }

func (s *Source) NormalizeSymbol(raw string) (string, error) {
	return symbol.MustNormalize(s.conv.FromExchange(raw))
}

// toUTC 把终端“服务器本地时间按 UTC 编码”的秒数还原为真实 UTC 毫秒。
func (s *Source) toUTC(sec int64) int64 {
	wall := time.Unix(sec, 0).UTC()
	local := time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), 0, s.zone)
	return local.UnixMilli()
}

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
	code, ok := terminalTimeframes[tf.Key]
	if !ok {
		return market.Segment{}, source.Malformed(Name, req, p, fmt.Errorf("终端不支持周期 %s", tf.Key))
	}

	body, err := s.get(ctx, req, code)
	if err != nil {
		return market.Segment{}, err
	}
	if err := validatePayload(body); err != nil {
		return market.Segment{}, source.Malformed(Name, req, p, err)
	}
	if got := s.conv.FromExchange(gjson.GetBytes(body, "symbol").String()); got != instrument {
		return market.Segment{}, source.Malformed(Name, req, p, fmt.Errorf("返回品种 %q 与请求 %s 不一致", got, instrument))
	}

	avail := market.Range{Start: req.Range.Start, End: req.Range.End}
	if e := gjson.GetBytes(body, "earliest").Int(); e > 0 {
		avail.Start = tf.AlignUp(s.toUTC(e))
	} else if s.retention > 0 {
		avail.Start = tf.AlignUp(s.now().Add(-s.retention).UnixMilli())
	}
	if l := gjson.GetBytes(body, "latest").Int(); l > 0 {
		avail.End = tf.Align(s.toUTC(l)) + tf.Step()
	}
	win := req.Range.Intersect(avail)
	var exhausted error
	switch {
	case win.Empty() && req.Range.End <= avail.Start:
		return market.Segment{}, source.Exhausted(Name, req, p, avail.Start, fmt.Errorf("早于经纪商保留窗口"))
	case win.Empty():
		return market.Segment{}, source.Exhausted(Name, req, p, avail.End, fmt.Errorf("晚于经纪商最新数据"))
	case req.Range.Start < avail.Start && req.Range.End > avail.End:
		exhausted = source.ExhaustedSpan(Name, req, p, avail, fmt.Errorf("经纪商数据仅覆盖 %s", avail))
	case req.Range.Start < avail.Start:
		exhausted = source.Exhausted(Name, req, p, avail.Start, fmt.Errorf("经纪商数据仅从 %s 开始", time.UnixMilli(avail.Start).UTC().Format(time.RFC3339)))
	case req.Range.End > avail.End:
		exhausted = source.Exhausted(Name, req, p, avail.End, fmt.Errorf("经纪商数据仅到 %s 为止", time.UnixMilli(avail.End).UTC().Format(time.RFC3339)))
	}

	var (
		candles []market.Candle
		rowErr  error
	)
	gjson.GetBytes(body, "rates").ForEach(func(_, row gjson.Result) bool {
		ts := s.toUTC(row.Get("time").Int())
		if !tf.OnGrid(ts) {
			rowErr = fmt.Errorf("时间戳 %d 不在 %s 网格上", row.Get("time").Int(), tf.Key)
			return false
		}
		if !win.Contains(ts) {
			return true
		}
		bid, ask := readOHLC(row.Get("bid")), readOHLC(row.Get("ask"))
		c := market.Candle{
			OpenTime: ts,
			Volume:   row.Get("tick_volume").Float(),
			Bid:      &bid,
			Ask:      &ask,
		}
		candles = append(candles, c.WithMid())
		return true
	})
	if rowErr != nil {
		return market.Segment{}, source.Malformed(Name, req, p, rowErr)
	}
	seg, err := market.NewSegment(req.Key(p), Name, win, candles)
	if err != nil {
		return market.Segment{}, err
	}
	return seg, exhausted
}

func readOHLC(v gjson.Result) market.OHLC {
	return market.OHLC{
		Open:  v.Get("o").Float(),
		High:  v.Get("h").Float(),
		Low:   v.Get("l").Float(),
		Close: v.Get("c").Float(),
	}
}

func (s *Source) get(ctx context.Context, req source.FetchRequest, code string) ([]byte, error) {
	p := s.Provenance()
	u, err := url.Parse(s.baseURL + "/rates")
	if err != nil {
		return nil, source.Malformed(Name, req, p, err)
	}
	q := u.Query()
	q.Set("symbol", s.conv.ToExchange(req.Instrument))
	q.Set("timeframe", code)
	q.Set("from", strconv.FormatInt(req.Range.Start/1000, 10))
	q.Set("to", strconv.FormatInt(req.Range.End/1000, 10))
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, source.Malformed(Name, req, p, err)
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, source.ContextErr(Name, req, p, ctxErr)
		}
		return nil, source.Unavailable(Name, req, p, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, source.ContextErr(Name, req, p, ctxErr)
		}
		return nil, source.Unavailable(Name, req, p, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, source.Unavailable(Name, req, p, fmt.Errorf("bridge 返回状态码 %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return nil, source.Malformed(Name, req, p, fmt.Errorf("bridge 返回状态码 %d: %s", resp.StatusCode, truncate(body, 200)))
	}
	return body, nil
}

func validatePayload(body []byte) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("json 格式无效")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	if err := ratesSchema.Validate(doc); err != nil {
		return fmt.Errorf("payload 不符合 schema: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
