package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"fxcanon/internal/market"
)

// FetchRequest 描述一次历史区间拉取，Range 为 UTC 毫秒半开区间。
type FetchRequest struct {
	Instrument string
	Timeframe  market.Timeframe
	Range      market.Range
}

func (r FetchRequest) Key(p market.Provenance) market.Key {
	return market.Key{Instrument: r.Instrument, Timeframe: r.Timeframe.Key, Provenance: p}
}

// Adapter 统一不同数据源的拉取行为：拉取、品种归一化、来源标签。
//
// Fetch 在数据源仅部分覆盖请求区间（触及保留期限）时，同时返回可用的 Segment
// 和一个 market.ErrSourceExhausted 错误，调用方应保留 Segment 并记录边界。
type Adapter interface {
	Name() string
	Provenance() market.Provenance
	NormalizeSymbol(raw string) (string, error)
	Fetch(ctx context.Context, req FetchRequest) (market.Segment, error)
}

// Latency 由适配器声明其数据距“现在”的典型延迟，用于歧义区间的裁决。
type Latency interface {
	DeclaredLatency() int64
}

// Validate 检查请求基本合法性。
func (r FetchRequest) Validate() error {
	if r.Instrument == "" {
		return fmt.Errorf("instrument 不能为空")
	}
	if r.Timeframe.Step() <= 0 {
		return fmt.Errorf("timeframe 不能为空")
	}
	if r.Range.Empty() {
		return fmt.Errorf("请求区间为空: %s", r.Range)
	}
	return nil
}

// Unavailable 把传输层错误（超时、连接失败、5xx）包装为可重试错误。
func Unavailable(name string, req FetchRequest, p market.Provenance, err error) error {
	return &market.Error{
		Kind:       market.ErrSourceUnavailable,
		Op:         "fetch",
		Instrument: req.Instrument,
		Timeframe:  req.Timeframe.Key,
		Provenance: p,
		Source:     name,
		Range:      req.Range,
		Err:        err,
	}
}

// Exhausted 表示数据源在请求方向上已无更多数据，boundary 为其最早（或最晚）可用时间。
func Exhausted(name string, req FetchRequest, p market.Provenance, boundary int64, err error) error {
	return &market.Error{
		Kind:       market.ErrSourceExhausted,
		Op:         "fetch",
		Instrument: req.Instrument,
		Timeframe:  req.Timeframe.Key,
		Provenance: p,
		Source:     name,
		Range:      req.Range,
		Boundary:   boundary,
		Err:        err,
	}
}

// ExhaustedSpan 表示请求区间两端都超出数据源，avail 为其实际可用区间。
func ExhaustedSpan(name string, req FetchRequest, p market.Provenance, avail market.Range, err error) error {
	e := Exhausted(name, req, p, avail.Start, err).(*market.Error)
	e.BoundaryEnd = avail.End
	return e
}

// Malformed 表示单条记录不符合归一化 schema，只让本次拉取失败。
func Malformed(name string, req FetchRequest, p market.Provenance, err error) error {
	return &market.Error{
		Kind:       market.ErrMalformedRecord,
		Op:         "fetch",
		Instrument: req.Instrument,
		Timeframe:  req.Timeframe.Key,
		Provenance: p,
		Source:     name,
		Range:      req.Range,
		Err:        err,
	}
}

// IsTransport 判断错误是否来自网络层（含 ctx 超时）。
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// ContextErr 区分调用方主动取消与超时：超时视为数据源暂不可用。
func ContextErr(name string, req FetchRequest, p market.Provenance, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Unavailable(name, req, p, err)
	}
	return err
}
