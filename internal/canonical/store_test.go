package canonical

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fxcanon/internal/market"
	"fxcanon/internal/reconcile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minute = int64(60_000)

// 跨月：2023-01-31 23:58 ~ 2023-02-01 00:02
var t0 = time.Date(2023, 1, 31, 23, 58, 0, 0, time.UTC).UnixMilli()

func series(t *testing.T, n int, px float64, missingAt ...int) *reconcile.Series {
	t.Helper()
	entries := make([]reconcile.Entry, 0, n)
	for i := 0; i < n; i++ {
		ts := t0 + int64(i)*minute
		e := reconcile.Entry{OpenTime: ts}
		skip := false
		for _, m := range missingAt {
			if m == i {
				skip = true
			}
		}
		if skip {
			e.Missing = reconcile.MissingUncovered
		} else {
			c := market.Candle{Instrument: "USDJPY", Timeframe: "1m", OpenTime: ts, Open: px, High: px + 0.01, Low: px - 0.01,
				Close: px, Volume: 2, Provenance: market.ProvenanceBroker,
				Bid: &market.OHLC{Open: px - 0.001, High: px + 0.009, Low: px - 0.011, Close: px - 0.001},
				Ask: &market.OHLC{Open: px + 0.001, High: px + 0.011, Low: px - 0.009, Close: px + 0.001}}
			e.Candle = &c
			e.Provenance = market.ProvenanceBroker
			e.Rule = reconcile.RuleSingleSource
		}
		entries = append(entries, e)
	}
	return reconcile.Assemble("USDJPY", "1m", market.Range{Start: t0, End: t0 + int64(n)*minute}, entries, 0)
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWriteAndReadAcrossMonthBlocks(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	in := series(t, 4, 130.5, 1)

	res, err := s.Write(ctx, in, WriteOptions{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, 4, res.Appended)
	assert.Equal(t, []string{"202301", "202302"}, res.Blocks)
	assert.Equal(t, 1, in.Version)

	_, err = os.Stat(filepath.Join(s.Root(), "USDJPY", "1m", "202301.db"))
	require.NoError(t, err)

	out, err := s.Read(ctx, "usdjpy", "1m", in.Range, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Version)
	assert.Equal(t, in.Digest, out.Digest)
	require.Len(t, out.Entries, 4)
	assert.True(t, out.Entries[1].IsMissing())
	assert.Equal(t, reconcile.MissingUncovered, out.Entries[1].Missing)
	require.NotNil(t, out.Entries[0].Candle.Bid)
	assert.Equal(t, in.Entries[0].Candle.Ask, out.Entries[0].Candle.Ask)

	ms, err := s.Manifests(ctx, "USDJPY", "1m")
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, int64(2), ms[0].Rows)
	assert.Equal(t, t0, ms[0].MinTime)
	assert.Equal(t, 1, ms[1].LatestVersion)

	keys, err := s.Series()
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"USDJPY", "1m"}}, keys)
}

func TestRewriteIdenticalIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.Write(ctx, series(t, 4, 130.5), WriteOptions{RunID: "run-1"})
	require.NoError(t, err)

	again := series(t, 4, 130.5)
	res, err := s.Write(ctx, again, WriteOptions{RunID: "run-2"})
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, 4, res.Unchanged)
	assert.Equal(t, 1, again.Version)

	versions, err := s.Versions(ctx, "USDJPY", "1m")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "run-1", versions[0].RunID)
}

func TestConflictingContent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	first := series(t, 4, 130.5)
	_, err := s.Write(ctx, first, WriteOptions{RunID: "run-1"})
	require.NoError(t, err)

	t.Run("reject", func(t *testing.T) {
		_, err := s.Write(ctx, series(t, 4, 130.6), WriteOptions{RunID: "run-2", Policy: PolicyReject})
		require.Error(t, err)
		assert.ErrorIs(t, err, market.ErrCanonicalConflict)
		latest, err := s.LatestVersion(ctx, "USDJPY", "1m")
		require.NoError(t, err)
		assert.Equal(t, 1, latest)
	})

	t.Run("supersede", func(t *testing.T) {
		second := series(t, 4, 130.6)
		res, err := s.Supersede(ctx, second, "run-3")
		require.NoError(t, err)
		assert.True(t, res.Superseded)
		assert.Equal(t, 2, res.Version)
		assert.Equal(t, 4, res.Conflicts)

		v1, err := s.Read(ctx, "USDJPY", "1m", first.Range, 1)
		require.NoError(t, err)
		assert.Equal(t, first.Digest, v1.Digest)

		v2, err := s.Read(ctx, "USDJPY", "1m", first.Range, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, v2.Version)
		assert.Equal(t, second.Digest, v2.Digest)
		assert.InDelta(t, 130.6, v2.Entries[0].Candle.Close, 1e-9)

		versions, err := s.Versions(ctx, "USDJPY", "1m")
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, "run-3", versions[1].RunID)
	})

	_, err = s.Read(ctx, "USDJPY", "1m", first.Range, 9)
	assert.Error(t, err)
}

func TestFailedSupersedeLeavesNoOrphans(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	first := series(t, 4, 130.5)
	_, err := s.Write(ctx, first, WriteOptions{RunID: "run-1"})
	require.NoError(t, err)

	feb, _, err := s.blockDB("USDJPY", "1m", "202302")
	require.NoError(t, err)
	_, err = feb.Exec(`CREATE TRIGGER fail_insert BEFORE INSERT ON entries BEGIN SELECT RAISE(ABORT, 'disk full'); END;`)
	require.NoError(t, err)

	_, err = s.Supersede(ctx, series(t, 4, 130.6), "run-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	latest, err := s.LatestVersion(ctx, "USDJPY", "1m")
	require.NoError(t, err)
	assert.Equal(t, 1, latest)
	jan, err := s.Manifest(ctx, "USDJPY", "1m", "202301")
	require.NoError(t, err)
	assert.Equal(t, 1, jan.LatestVersion)
	out, err := s.Read(ctx, "USDJPY", "1m", first.Range, 0)
	require.NoError(t, err)
	assert.Equal(t, first.Digest, out.Digest)

	_, err = feb.Exec(`DROP TRIGGER fail_insert`)
	require.NoError(t, err)
	// 进程在回收前退出时留下的行
	janDB, _, err := s.blockDB("USDJPY", "1m", "202301")
	require.NoError(t, err)
	_, err = janDB.Exec(`INSERT INTO entries (version, open_time, provenance, rule, close) VALUES (2, ?, 'broker-short-horizon', 'single-source', 1)`, t0)
	require.NoError(t, err)

	retry := series(t, 4, 130.6)
	res, err := s.Supersede(ctx, retry, "run-3")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)
	out, err = s.Read(ctx, "USDJPY", "1m", first.Range, 0)
	require.NoError(t, err)
	assert.Equal(t, retry.Digest, out.Digest)
}

func TestReadMarksUnwrittenPoints(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	in := series(t, 4, 130.5)
	_, err := s.Write(ctx, in, WriteOptions{RunID: "run-1"})
	require.NoError(t, err)

	wide := market.Range{Start: t0 - 3*minute, End: t0 + 7*minute}
	out, err := s.Read(ctx, "USDJPY", "1m", wide, 0)
	require.NoError(t, err)
	require.Len(t, out.Entries, 10)
	assert.Equal(t, 6, out.Stats().Missing)
	assert.Equal(t, reconcile.MissingNotWritten, out.Entries[0].Missing)
	assert.False(t, out.Entries[3].IsMissing())
	assert.Equal(t, []reconcile.Gap{
		{Start: t0 - 3*minute, End: t0, Reason: reconcile.MissingNotWritten},
		{Start: t0 + 4*minute, End: t0 + 7*minute, Reason: reconcile.MissingNotWritten},
	}, out.Gaps)

	// 补齐的点不参与写入比较
	res, err := s.Write(ctx, series(t, 4, 130.5), WriteOptions{RunID: "run-2"})
	require.NoError(t, err)
	assert.True(t, res.NoOp)
}

func TestAppendExtendsLatestVersion(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.Write(ctx, series(t, 2, 130.5), WriteOptions{RunID: "run-1"})
	require.NoError(t, err)

	longer := series(t, 5, 130.5)
	res, err := s.Write(ctx, longer, WriteOptions{RunID: "run-2"})
	require.NoError(t, err)
	assert.False(t, res.NoOp)
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, 3, res.Appended)
	assert.Equal(t, 2, res.Unchanged)

	out, err := s.Read(ctx, "USDJPY", "1m", longer.Range, 0)
	require.NoError(t, err)
	assert.Equal(t, longer.Digest, out.Digest)

	versions, err := s.Versions(ctx, "USDJPY", "1m")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, longer.Range.End, versions[0].RangeEnd)
}

func TestReadUnknownSeries(t *testing.T) {
	s := newStore(t)
	out, err := s.Read(context.Background(), "EURUSD", "1h", market.Range{Start: t0, End: t0 + 3_600_000}, 0)
	require.NoError(t, err)
	assert.Empty(t, out.Entries)
	assert.Zero(t, out.Version)

	keys, err := s.Series()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestBlocksIn(t *testing.T) {
	start := time.Date(2022, 12, 15, 0, 0, 0, 0, time.UTC).UnixMilli()
	end := time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, []string{"202212", "202301"}, blocksIn(start, end))
	assert.Equal(t, "202301", BlockOf(t0))
	assert.Nil(t, blocksIn(end, start))
}
