package boundary

import (
	"fmt"
	"strings"

	"fxcanon/internal/market"
	"fxcanon/internal/pkg/symbol"

	"github.com/shopspring/decimal"
)

var (
	pipJPY      = decimal.New(1, -2)
	pipStandard = decimal.New(1, -4)
)

// Tolerance 决定两根 K 线是否视为一致：OHLC 逐字段差值不超过 Abs 与 Pips*点值 中较大者。
// 零值表示精确一致。
type Tolerance struct {
	Abs  decimal.Decimal
	Pips decimal.Decimal
}

func ParseTolerance(abs, pips string) (Tolerance, error) {
	var t Tolerance
	if s := strings.TrimSpace(abs); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return t, fmt.Errorf("tolerance 非法: %w", err)
		}
		t.Abs = d
	}
	if s := strings.TrimSpace(pips); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return t, fmt.Errorf("tolerance_pips 非法: %w", err)
		}
		t.Pips = d
	}
	if t.Abs.IsNegative() || t.Pips.IsNegative() {
		return Tolerance{}, fmt.Errorf("tolerance 不能为负")
	}
	return t, nil
}

// PipSize 返回品种的点值：报价货币为 JPY 时 0.01，其余 0.0001。
func PipSize(instrument string) decimal.Decimal {
	if symbol.Parse(instrument).Quote == "JPY" {
		return pipJPY
	}
	return pipStandard
}

// For 计算某品种上的有效绝对容差。
func (t Tolerance) For(instrument string) decimal.Decimal {
	limit := t.Abs
	if t.Pips.IsPositive() {
		if rel := t.Pips.Mul(PipSize(instrument)); rel.GreaterThan(limit) {
			limit = rel
		}
	}
	return limit
}

func (t Tolerance) String() string {
	return fmt.Sprintf("abs=%s pips=%s", t.Abs, t.Pips)
}

func agree(a, b market.Candle, limit decimal.Decimal) bool {
	pa, pb := a.Prices(), b.Prices()
	if limit.IsZero() {
		return pa == pb
	}
	return within(pa.Open, pb.Open, limit) &&
		within(pa.High, pb.High, limit) &&
		within(pa.Low, pb.Low, limit) &&
		within(pa.Close, pb.Close, limit)
}

func within(x, y float64, limit decimal.Decimal) bool {
	return decimal.NewFromFloat(x).Sub(decimal.NewFromFloat(y)).Abs().LessThanOrEqual(limit)
}
