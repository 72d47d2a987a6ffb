package market

import (
	"errors"
	"fmt"
	"strings"
)

// 错误分类，统一用 errors.Is 判断。
var (
	ErrMalformedRecord       = errors.New("malformed record")
	ErrSourceUnavailable     = errors.New("source unavailable")
	ErrSourceExhausted       = errors.New("source exhausted")
	ErrOverlapConflict       = errors.New("overlap conflict")
	ErrIrreconcilableOverlap = errors.New("irreconcilable overlap")
	ErrCanonicalConflict     = errors.New("canonical conflict")
)

// Error 携带足够的上下文（品种、周期、区间、来源）以便从已存 segment 复现问题。
type Error struct {
	Kind       error
	Op         string
	Instrument string
	Timeframe  string
	Provenance Provenance
	Source     string
	Range      Range
	// Boundary 仅对 SourceExhausted 有意义：数据源最早/最晚可用时间（毫秒）。
	Boundary int64
	// BoundaryEnd 仅在请求两端同时越界时设置，此时 Boundary 为最早、BoundaryEnd 为最晚可用时间。
	BoundaryEnd int64
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("error")
	}
	var ctx []string
	if e.Instrument != "" {
		ctx = append(ctx, "instrument="+e.Instrument)
	}
	if e.Timeframe != "" {
		ctx = append(ctx, "timeframe="+e.Timeframe)
	}
	if e.Provenance != "" {
		ctx = append(ctx, "provenance="+string(e.Provenance))
	}
	if e.Source != "" {
		ctx = append(ctx, "source="+e.Source)
	}
	if !e.Range.Empty() {
		ctx = append(ctx, "range="+e.Range.String())
	}
	if e.Boundary != 0 {
		ctx = append(ctx, "boundary="+formatMillis(e.Boundary))
	}
	if e.BoundaryEnd != 0 {
		ctx = append(ctx, "boundary_end="+formatMillis(e.BoundaryEnd))
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, " "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Retryable 只有 SourceUnavailable 可以由调用方重试。
func Retryable(err error) bool {
	return errors.Is(err, ErrSourceUnavailable)
}

// ExhaustedBoundary 提取 SourceExhausted 携带的边界。
func ExhaustedBoundary(err error) (int64, bool) {
	var me *Error
	if errors.As(err, &me) && errors.Is(me.Kind, ErrSourceExhausted) {
		return me.Boundary, true
	}
	return 0, false
}

// ExhaustedSpan 在数据源两端都不足时返回其实际可用区间。
func ExhaustedSpan(err error) (Range, bool) {
	var me *Error
	if errors.As(err, &me) && errors.Is(me.Kind, ErrSourceExhausted) && me.BoundaryEnd != 0 {
		return Range{Start: me.Boundary, End: me.BoundaryEnd}, true
	}
	return Range{}, false
}

// Malformed 是适配器常用的快捷构造。
func Malformed(op string, key Key, format string, args ...any) error {
	return &Error{Kind: ErrMalformedRecord, Op: op, Instrument: key.Instrument, Timeframe: key.Timeframe,
		Provenance: key.Provenance, Err: fmt.Errorf(format, args...)}
}
