package reconcile

import (
	"bytes"
	"context"
	"testing"
	"time"

	"fxcanon/internal/boundary"
	"fxcanon/internal/logger"
	"fxcanon/internal/market"
	"fxcanon/internal/segment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC).UnixMilli()

const minute = int64(60_000)

func seg(t *testing.T, p market.Provenance, start, end int64, px func(ts int64) float64, skip ...int64) market.Segment {
	t.Helper()
	var candles []market.Candle
outer:
	for ts := start; ts < end; ts += minute {
		for _, s := range skip {
			if s == ts {
				continue outer
			}
		}
		v := px(ts)
		candles = append(candles, market.Candle{OpenTime: ts, Open: v, High: v + 0.01, Low: v - 0.01, Close: v, Volume: 1})
	}
	key := market.Key{Instrument: "USDJPY", Timeframe: "1m", Provenance: p}
	s, err := market.NewSegment(key, string(p), market.Range{Start: start, End: end}, candles)
	require.NoError(t, err)
	return s
}

// price 生成与时间相关的确定性价格，两个来源一致时返回相同值。
func price(ts int64) float64 { return 130 + float64((ts-t0)/minute%17)/100 }

func snapshotOf(t *testing.T, segs ...market.Segment) segment.Snapshot {
	t.Helper()
	st := segment.NewStore()
	for _, s := range segs {
		require.NoError(t, st.Insert(s))
	}
	return st.Snapshot("USDJPY", "1m")
}

func newReconciler(prefer market.Provenance) *Reconciler {
	return New(boundary.NewDetector(boundary.Tolerance{}), Config{
		Latency: map[market.Provenance]int64{
			market.ProvenanceVendor: 30 * 24 * 3600 * 1000,
			market.ProvenanceBroker: 0,
		},
		Prefer: prefer,
	})
}

func assertTotal(t *testing.T, s *Series) {
	t.Helper()
	tf := market.MustTimeframe(s.Timeframe)
	require.Equal(t, int(tf.Steps(s.Range)), len(s.Entries))
	for i, e := range s.Entries {
		assert.Equal(t, s.Range.Start+int64(i)*tf.Step(), e.OpenTime)
		if e.IsMissing() {
			assert.NotEmpty(t, e.Missing)
			assert.Empty(t, e.Provenance)
		} else {
			assert.Empty(t, e.Missing)
			assert.NotEmpty(t, e.Provenance)
			assert.Equal(t, e.Provenance, e.Candle.Provenance)
			assert.NotEmpty(t, e.Rule)
		}
	}
}

func TestVendorThenBrokerAgreement(t *testing.T) {
	t1 := t0 + 60*minute
	t2 := t0 + 120*minute
	snap := snapshotOf(t,
		seg(t, market.ProvenanceVendor, t0, t1, price),
		seg(t, market.ProvenanceBroker, t1-5*minute, t2, price),
	)

	s, err := newReconciler("").Reconcile(context.Background(), snap, market.Range{Start: t0, End: t2})
	require.NoError(t, err)
	assertTotal(t, s)

	assert.Empty(t, s.Ambiguous)
	assert.Empty(t, s.Gaps)
	require.Len(t, s.Spans, 3)
	assert.Equal(t, Span{Start: t0, End: t1 - 5*minute, Provenance: market.ProvenanceVendor, Rule: RuleSingleSource, Count: 55}, s.Spans[0])
	assert.Equal(t, Span{Start: t1 - 5*minute, End: t1, Provenance: market.ProvenanceBroker, Rule: RuleAgreement, Count: 5}, s.Spans[1])
	assert.Equal(t, Span{Start: t1, End: t2, Provenance: market.ProvenanceBroker, Rule: RuleSingleSource, Count: 60}, s.Spans[2])

	require.Len(t, s.Boundaries, 1)
	assert.Equal(t, "agree", s.Boundaries[0].Outcome)
	assert.Equal(t, 5, s.Boundaries[0].Compared)

	st := s.Stats()
	assert.Equal(t, 55, st.ByProvenance[market.ProvenanceVendor])
	assert.Equal(t, 65, st.ByProvenance[market.ProvenanceBroker])
	assert.Zero(t, st.Missing)
}

func TestAmbiguousBandUsesTiebreak(t *testing.T) {
	shifted := func(ts int64) float64 {
		if ts >= t0+10*minute && ts < t0+13*minute {
			return price(ts) + 0.05
		}
		return price(ts)
	}
	snap := snapshotOf(t,
		seg(t, market.ProvenanceVendor, t0, t0+20*minute, price),
		seg(t, market.ProvenanceBroker, t0+5*minute, t0+30*minute, shifted),
	)
	var audit bytes.Buffer
	logger.SetAuditWriter(&audit)
	defer logger.SetAuditWriter(nil)

	t.Run("default prefers broker", func(t *testing.T) {
		s, err := newReconciler("").Reconcile(context.Background(), snap, market.Range{Start: t0, End: t0 + 30*minute})
		require.NoError(t, err)
		assertTotal(t, s)
		require.Len(t, s.Ambiguous, 1)
		ev := s.Ambiguous[0]
		assert.Equal(t, t0+10*minute, ev.Start)
		assert.Equal(t, t0+13*minute, ev.End)
		assert.Equal(t, market.ProvenanceBroker, ev.Chosen)
		assert.Equal(t, RuleBrokerTiebreak, ev.Rule)

		rules := map[int64]Rule{}
		for _, e := range s.Entries {
			rules[e.OpenTime] = e.Rule
		}
		assert.Equal(t, RuleSingleSource, rules[t0])
		assert.Equal(t, RuleVendorEra, rules[t0+5*minute])
		assert.Equal(t, RuleVendorEra, rules[t0+9*minute])
		assert.Equal(t, RuleBrokerTiebreak, rules[t0+10*minute])
		assert.Equal(t, RuleBrokerTiebreak, rules[t0+12*minute])
		assert.Equal(t, RuleBrokerEra, rules[t0+13*minute])
		assert.Equal(t, RuleBrokerEra, rules[t0+19*minute])
		assert.Equal(t, RuleSingleSource, rules[t0+20*minute])
		assert.Equal(t, 3, s.Stats().Tiebreaks)
	})

	t.Run("override prefers vendor", func(t *testing.T) {
		s, err := newReconciler(market.ProvenanceVendor).Reconcile(context.Background(), snap, market.Range{Start: t0, End: t0 + 30*minute})
		require.NoError(t, err)
		e := s.Entries[11]
		assert.Equal(t, RuleVendorTiebreak, e.Rule)
		assert.Equal(t, market.ProvenanceVendor, e.Provenance)
		assert.InDelta(t, price(t0+11*minute), e.Candle.Close, 1e-9)
	})

	assert.Contains(t, audit.String(), "[AUDIT][tiebreak][USDJPY@1m]")
}

func TestMissingReasons(t *testing.T) {
	st := segment.NewStore()
	require.NoError(t, st.Insert(seg(t, market.ProvenanceVendor, t0+2*minute, t0+6*minute, price, t0+3*minute)))
	st.RecordExhausted(market.Key{Instrument: "USDJPY", Timeframe: "1m", Provenance: market.ProvenanceVendor},
		segment.Exhaustion{Latest: t0 + 6*minute})
	st.RecordExhausted(market.Key{Instrument: "USDJPY", Timeframe: "1m", Provenance: market.ProvenanceBroker},
		segment.Exhaustion{Latest: t0 + 8*minute})
	snap := st.Snapshot("USDJPY", "1m")

	s, err := newReconciler("").Reconcile(context.Background(), snap, market.Range{Start: t0, End: t0 + 10*minute})
	require.NoError(t, err)
	assertTotal(t, s)
	assert.Equal(t, []Gap{
		{Start: t0, End: t0 + 2*minute, Reason: MissingUncovered},
		{Start: t0 + 3*minute, End: t0 + 4*minute, Reason: MissingKnownGap},
		{Start: t0 + 6*minute, End: t0 + 8*minute, Reason: MissingUncovered},
		{Start: t0 + 8*minute, End: t0 + 10*minute, Reason: MissingExhausted},
	}, s.Gaps)
	assert.Equal(t, 7, s.Stats().Missing)
}

func TestExhaustionOfOneSourceIsNotEnough(t *testing.T) {
	st := segment.NewStore()
	require.NoError(t, st.Insert(seg(t, market.ProvenanceVendor, t0, t0+4*minute, price)))
	st.RecordExhausted(market.Key{Instrument: "USDJPY", Timeframe: "1m", Provenance: market.ProvenanceBroker},
		segment.Exhaustion{Earliest: t0 + 8*minute})

	s, err := newReconciler("").Reconcile(context.Background(), st.Snapshot("USDJPY", "1m"), market.Range{Start: t0, End: t0 + 8*minute})
	require.NoError(t, err)
	// vendor 没有声明保留边界，t0+4 之后只是没有覆盖
	assert.Equal(t, []Gap{{Start: t0 + 4*minute, End: t0 + 8*minute, Reason: MissingUncovered}}, s.Gaps)
}

func TestNoTiebreakWithoutComparablePoints(t *testing.T) {
	var audit bytes.Buffer
	logger.SetAuditWriter(&audit)
	t.Cleanup(func() { logger.SetAuditWriter(nil) })

	// vendor 在 [t0+4, t0+8) 是已知缺口，broker 只落在这个缺口里
	vendor := seg(t, market.ProvenanceVendor, t0, t0+10*minute, price, t0+4*minute, t0+5*minute, t0+6*minute, t0+7*minute)
	broker := seg(t, market.ProvenanceBroker, t0+5*minute, t0+8*minute, func(ts int64) float64 { return price(ts) + 1 })

	s, err := newReconciler("").Reconcile(context.Background(), snapshotOf(t, vendor, broker), market.Range{Start: t0, End: t0 + 10*minute})
	require.NoError(t, err)
	assertTotal(t, s)
	require.Len(t, s.Boundaries, 1)
	assert.Equal(t, boundary.ExhaustedBeforeResolution.String(), s.Boundaries[0].Outcome)
	assert.Empty(t, s.Ambiguous)
	assert.Zero(t, s.Stats().Tiebreaks)
	for _, e := range s.Entries[5:8] {
		assert.Equal(t, RuleSingleSource, e.Rule)
		assert.Equal(t, market.ProvenanceBroker, e.Provenance)
	}
	assert.NotContains(t, audit.String(), "[tiebreak]")
}

func TestReconcileIsIdempotent(t *testing.T) {
	shifted := func(ts int64) float64 { return price(ts) + 0.001 }
	build := func() segment.Snapshot {
		return snapshotOf(t,
			seg(t, market.ProvenanceVendor, t0, t0+40*minute, price, t0+7*minute),
			seg(t, market.ProvenanceBroker, t0+30*minute, t0+50*minute, shifted),
		)
	}
	rng := market.Range{Start: t0 - 5*minute, End: t0 + 60*minute}
	a, err := newReconciler("").Reconcile(context.Background(), build(), rng)
	require.NoError(t, err)
	b, err := newReconciler("").Reconcile(context.Background(), build(), rng)
	require.NoError(t, err)

	assert.Equal(t, a.Digest, b.Digest)
	assert.Equal(t, a.Entries, b.Entries)
	assert.Len(t, a.Digest, 64)
	assertTotal(t, a)
}

func TestDigestChangesWithContent(t *testing.T) {
	rng := market.Range{Start: t0, End: t0 + 10*minute}
	a, err := newReconciler("").Reconcile(context.Background(), snapshotOf(t, seg(t, market.ProvenanceVendor, t0, t0+10*minute, price)), rng)
	require.NoError(t, err)
	b, err := newReconciler("").Reconcile(context.Background(), snapshotOf(t, seg(t, market.ProvenanceVendor, t0, t0+10*minute, price, t0+minute)), rng)
	require.NoError(t, err)
	assert.NotEqual(t, a.Digest, b.Digest)
}

func TestThreeProvenances(t *testing.T) {
	other := market.Provenance("binance")
	st := segment.NewStore()
	require.NoError(t, st.Insert(seg(t, market.ProvenanceVendor, t0, t0+10*minute, price)))
	require.NoError(t, st.Insert(seg(t, market.ProvenanceBroker, t0+5*minute, t0+10*minute, price)))
	otherSeg := seg(t, market.ProvenanceBroker, t0+8*minute, t0+10*minute, price)
	otherSeg, err := market.NewSegment(market.Key{Instrument: "USDJPY", Timeframe: "1m", Provenance: other}, "binance", otherSeg.Range(), otherSeg.Candles)
	require.NoError(t, err)
	require.NoError(t, st.Insert(otherSeg))

	r := New(nil, Config{Latency: map[market.Provenance]int64{
		market.ProvenanceVendor: 1000, other: 10, market.ProvenanceBroker: 0,
	}})
	s, err := r.Reconcile(context.Background(), st.Snapshot("USDJPY", "1m"), market.Range{Start: t0, End: t0 + 10*minute})
	require.NoError(t, err)
	assertTotal(t, s)
	last := s.Entries[9]
	assert.Equal(t, market.ProvenanceBroker, last.Provenance)
	assert.Equal(t, RuleAgreement, last.Rule)
	assert.Len(t, s.Boundaries, 3)
}

func TestIrreconcilableOverlap(t *testing.T) {
	a := seg(t, market.ProvenanceVendor, t0, t0+5*minute, price)
	b := seg(t, market.ProvenanceVendor, t0+3*minute, t0+8*minute, func(ts int64) float64 { return price(ts) + 1 })
	snap := segment.Snapshot{
		Instrument: "USDJPY",
		Timeframe:  "1m",
		Segments:   map[market.Provenance][]market.Segment{market.ProvenanceVendor: {a, b}},
	}
	_, err := newReconciler("").Reconcile(context.Background(), snap, market.Range{Start: t0, End: t0 + 8*minute})
	assert.ErrorIs(t, err, market.ErrIrreconcilableOverlap)
}

func TestReconcileHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newReconciler("").Reconcile(ctx, snapshotOf(t, seg(t, market.ProvenanceVendor, t0, t0+minute, price)), market.Range{Start: t0, End: t0 + minute})
	assert.ErrorIs(t, err, context.Canceled)
}
