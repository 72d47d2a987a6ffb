package boundary

import (
	"testing"
	"time"

	"fxcanon/internal/market"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC).UnixMilli()

const minute = int64(60_000)

// build 生成 [start,end) 的 1m segment；prices 为 nil 时使用 base，px 覆盖指定时间点，skip 中的点留空。
func build(t *testing.T, p market.Provenance, start, end int64, base float64, px map[int64]float64, skip ...int64) market.Segment {
	t.Helper()
	var candles []market.Candle
outer:
	for ts := start; ts < end; ts += minute {
		for _, s := range skip {
			if s == ts {
				continue outer
			}
		}
		v := base
		if o, ok := px[ts]; ok {
			v = o
		}
		candles = append(candles, market.Candle{OpenTime: ts, Open: v, High: v, Low: v, Close: v})
	}
	key := market.Key{Instrument: "USDJPY", Timeframe: "1m", Provenance: p}
	seg, err := market.NewSegment(key, string(p), market.Range{Start: start, End: end}, candles)
	require.NoError(t, err)
	return seg
}

func TestDetectNoOverlap(t *testing.T) {
	d := NewDetector(Tolerance{})
	res, err := d.Detect(
		build(t, market.ProvenanceVendor, t0, t0+5*minute, 130, nil),
		build(t, market.ProvenanceBroker, t0+5*minute, t0+10*minute, 130, nil),
	)
	require.NoError(t, err)
	assert.Equal(t, NoOverlap, res.Outcome)
	assert.Empty(t, res.Ambiguous)
}

func TestDetectExactAgreementHasNoAmbiguity(t *testing.T) {
	d := NewDetector(Tolerance{})
	vendor := build(t, market.ProvenanceVendor, t0, t0+10*minute, 130.123, nil)
	broker := build(t, market.ProvenanceBroker, t0+5*minute, t0+20*minute, 130.123, nil)

	res, err := d.Detect(vendor, broker)
	require.NoError(t, err)
	assert.Equal(t, Agree, res.Outcome)
	assert.Empty(t, res.Ambiguous)
	assert.Equal(t, market.Range{Start: t0 + 5*minute, End: t0 + 10*minute}, res.Overlap)
	assert.Equal(t, 5, res.Compared)
	assert.Equal(t, 5, res.Agreed)
	assert.Equal(t, t0+9*minute, res.ForwardAgreement)
	assert.Equal(t, t0+5*minute, res.BackwardAgreement)

	p, amb := res.Owner(t0 + 6*minute)
	assert.False(t, amb)
	assert.Equal(t, market.ProvenanceBroker, p)
}

func TestDetectDisagreementBand(t *testing.T) {
	d := NewDetector(Tolerance{})
	vendor := build(t, market.ProvenanceVendor, t0, t0+10*minute, 130, nil)
	broker := build(t, market.ProvenanceBroker, t0, t0+10*minute, 130, map[int64]float64{
		t0 + 3*minute: 130.2,
		t0 + 5*minute: 130.4,
	})

	res, err := d.Detect(vendor, broker)
	require.NoError(t, err)
	assert.Equal(t, Disagree, res.Outcome)
	assert.Equal(t, t0+2*minute, res.ForwardAgreement)
	assert.Equal(t, t0+6*minute, res.BackwardAgreement)
	assert.Equal(t, t0+3*minute, res.OlderUntil)
	assert.Equal(t, t0+6*minute, res.NewerFrom)
	assert.Equal(t, []market.Range{{Start: t0 + 3*minute, End: t0 + 6*minute}}, res.Ambiguous)
	assert.Equal(t, 10, res.Compared)
	assert.Equal(t, 8, res.Agreed)

	p, amb := res.Owner(t0 + minute)
	assert.Equal(t, market.ProvenanceVendor, p)
	assert.False(t, amb)
	_, amb = res.Owner(t0 + 4*minute)
	assert.True(t, amb)
}

func TestDetectExhaustedBeforeResolution(t *testing.T) {
	d := NewDetector(Tolerance{})
	vendor := build(t, market.ProvenanceVendor, t0, t0+6*minute, 130, nil)
	broker := build(t, market.ProvenanceBroker, t0+2*minute, t0+10*minute, 130, map[int64]float64{
		t0 + 4*minute: 131, t0 + 5*minute: 131,
	})

	res, err := d.Detect(vendor, broker)
	require.NoError(t, err)
	assert.Equal(t, ExhaustedBeforeResolution, res.Outcome)
	assert.Equal(t, int64(-1), res.BackwardAgreement)
	assert.Equal(t, []market.Range{{Start: t0 + 4*minute, End: t0 + 6*minute}}, res.Ambiguous)
}

func TestDetectSkipsKnownGaps(t *testing.T) {
	d := NewDetector(Tolerance{})
	vendor := build(t, market.ProvenanceVendor, t0, t0+5*minute, 130, nil, t0+2*minute)
	broker := build(t, market.ProvenanceBroker, t0, t0+5*minute, 130, map[int64]float64{t0 + 2*minute: 999})

	res, err := d.Detect(vendor, broker)
	require.NoError(t, err)
	assert.Equal(t, Agree, res.Outcome)
	assert.Equal(t, 4, res.Compared)
}

func TestDetectNothingComparable(t *testing.T) {
	d := NewDetector(Tolerance{})
	vendor := build(t, market.ProvenanceVendor, t0, t0+2*minute, 130, nil, t0, t0+minute)
	broker := build(t, market.ProvenanceBroker, t0, t0+2*minute, 130, nil)

	res, err := d.Detect(vendor, broker)
	require.NoError(t, err)
	assert.Equal(t, ExhaustedBeforeResolution, res.Outcome)
	assert.Equal(t, []market.Range{res.Overlap}, res.Ambiguous)
}

func TestDetectTolerance(t *testing.T) {
	vendor := build(t, market.ProvenanceVendor, t0, t0+3*minute, 130.000, nil)
	broker := build(t, market.ProvenanceBroker, t0, t0+3*minute, 130.004, nil)

	res, err := NewDetector(Tolerance{}).Detect(vendor, broker)
	require.NoError(t, err)
	assert.Equal(t, ExhaustedBeforeResolution, res.Outcome)

	res, err = NewDetector(Tolerance{Abs: decimal.RequireFromString("0.005")}).Detect(vendor, broker)
	require.NoError(t, err)
	assert.Equal(t, Agree, res.Outcome)

	// 0.5 pip on a JPY pair = 0.005
	res, err = NewDetector(Tolerance{Pips: decimal.RequireFromString("0.5")}).Detect(vendor, broker)
	require.NoError(t, err)
	assert.Equal(t, Agree, res.Outcome)
}

func TestDetectRejectsMismatchedStreams(t *testing.T) {
	d := NewDetector(Tolerance{})
	a := build(t, market.ProvenanceVendor, t0, t0+minute, 130, nil)
	_, err := d.Detect(a, a)
	assert.Error(t, err)
}

func TestParseTolerance(t *testing.T) {
	tol, err := ParseTolerance("0.001", "")
	require.NoError(t, err)
	assert.True(t, tol.Abs.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, tol.For("EURUSD").Equal(decimal.RequireFromString("0.001")))

	tol, err = ParseTolerance("", "2")
	require.NoError(t, err)
	assert.True(t, tol.For("EURUSD").Equal(decimal.RequireFromString("0.0002")))
	assert.True(t, tol.For("USDJPY").Equal(decimal.RequireFromString("0.02")))

	_, err = ParseTolerance("-1", "")
	assert.Error(t, err)
	_, err = ParseTolerance("abc", "")
	assert.Error(t, err)
}
