package canonical

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fxcanon/internal/market"
	"fxcanon/internal/reconcile"
)

// LatestVersion 返回已登记的最大版本号，没有任何版本时为 0。
func (s *Store) LatestVersion(ctx context.Context, instrument, timeframe string) (int, error) {
	if _, err := os.Stat(filepath.Join(s.dir(instrument, timeframe), indexFile)); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	db, err := s.indexDB(instrument, timeframe)
	if err != nil {
		return 0, err
	}
	var v int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM versions`).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func (s *Store) Versions(ctx context.Context, instrument, timeframe string) ([]VersionInfo, error) {
	latest, err := s.LatestVersion(ctx, instrument, timeframe)
	if err != nil || latest == 0 {
		return nil, err
	}
	db, err := s.indexDB(instrument, timeframe)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT version, run_id, digest, range_start, range_end, created_at FROM versions ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VersionInfo
	for rows.Next() {
		var v VersionInfo
		if err := rows.Scan(&v.Version, &v.RunID, &v.Digest, &v.RangeStart, &v.RangeEnd, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Read 读取 rng 内指定版本的规范序列；version<=0 表示最新版本。
// 某个版本可见的是 <= version 的最新一行，因此旧版本始终可读。
// 区间内从未写入的网格点以 MissingNotWritten 补齐；序列不存在时返回 Version 为 0 的空序列。
func (s *Store) Read(ctx context.Context, instrument, timeframe string, rng market.Range, version int) (*reconcile.Series, error) {
	tf, err := market.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	instrument = strings.ToUpper(instrument)
	rng = tf.AlignRange(rng)
	entries, version, err := s.readEntries(ctx, instrument, tf, rng, version)
	if err != nil {
		return nil, err
	}
	if version > 0 {
		entries = fillNotWritten(tf, rng, entries)
	}
	return reconcile.Assemble(instrument, tf.Key, rng, entries, version), nil
}

// readEntries 只返回已落盘的行，并解析出实际读取的版本号。
func (s *Store) readEntries(ctx context.Context, instrument string, tf market.Timeframe, rng market.Range, version int) ([]reconcile.Entry, int, error) {
	latest, err := s.LatestVersion(ctx, instrument, tf.Key)
	if err != nil {
		return nil, 0, err
	}
	if version > latest {
		return nil, 0, fmt.Errorf("版本 %d 不存在 (latest=%d)", version, latest)
	}
	if version <= 0 {
		version = latest
	}
	if version == 0 {
		return nil, 0, nil
	}
	var entries []reconcile.Entry
	for _, block := range blocksIn(rng.Start, rng.End) {
		db, _, ok, err := s.existingBlockDB(instrument, tf.Key, block)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			continue
		}
		list, err := readBlock(ctx, db, instrument, tf.Key, rng, version)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, list...)
	}
	return entries, version, nil
}

func fillNotWritten(tf market.Timeframe, rng market.Range, stored []reconcile.Entry) []reconcile.Entry {
	grid := tf.Grid(rng)
	if len(stored) == len(grid) {
		return stored
	}
	out := make([]reconcile.Entry, 0, len(grid))
	i := 0
	for _, ts := range grid {
		if i < len(stored) && stored[i].OpenTime == ts {
			out = append(out, stored[i])
			i++
			continue
		}
		out = append(out, reconcile.Entry{OpenTime: ts, Missing: reconcile.MissingNotWritten})
	}
	return out
}

const entryColumns = `e.open_time, e.provenance, e.rule, e.missing, e.open, e.high, e.low, e.close, e.volume,
	e.bid_open, e.bid_high, e.bid_low, e.bid_close, e.ask_open, e.ask_high, e.ask_low, e.ask_close`

func readBlock(ctx context.Context, db *sql.DB, instrument, timeframe string, rng market.Range, version int) ([]reconcile.Entry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM entries e
		JOIN (
			SELECT open_time, MAX(version) AS v FROM entries
			WHERE version <= ? AND open_time >= ? AND open_time < ?
			GROUP BY open_time
		) m ON e.open_time = m.open_time AND e.version = m.v
		ORDER BY e.open_time ASC`, version, rng.Start, rng.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reconcile.Entry
	for rows.Next() {
		e, err := scanEntry(rows, instrument, timeframe)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows, instrument, timeframe string) (reconcile.Entry, error) {
	var (
		e                   reconcile.Entry
		prov, rule, missing string
		o, h, l, c, v       sql.NullFloat64
		bo, bh, bl, bc      sql.NullFloat64
		ao, ah, al, ac      sql.NullFloat64
	)
	if err := rows.Scan(&e.OpenTime, &prov, &rule, &missing, &o, &h, &l, &c, &v,
		&bo, &bh, &bl, &bc, &ao, &ah, &al, &ac); err != nil {
		return e, err
	}
	e.Provenance = market.Provenance(prov)
	e.Rule = reconcile.Rule(rule)
	e.Missing = reconcile.MissingReason(missing)
	if e.Missing != "" || !o.Valid {
		return e, nil
	}
	candle := market.Candle{
		Instrument: instrument,
		Timeframe:  timeframe,
		OpenTime:   e.OpenTime,
		Open:       o.Float64,
		High:       h.Float64,
		Low:        l.Float64,
		Close:      c.Float64,
		Volume:     v.Float64,
		Provenance: e.Provenance,
	}
	if bo.Valid && ao.Valid {
		candle.Bid = &market.OHLC{Open: bo.Float64, High: bh.Float64, Low: bl.Float64, Close: bc.Float64}
		candle.Ask = &market.OHLC{Open: ao.Float64, High: ah.Float64, Low: al.Float64, Close: ac.Float64}
	}
	e.Candle = &candle
	return e, nil
}

// Manifest 读取单个月份块的统计信息。
func (s *Store) Manifest(ctx context.Context, instrument, timeframe, block string) (Manifest, error) {
	db, path, ok, err := s.existingBlockDB(instrument, timeframe, block)
	if err != nil {
		return Manifest{}, err
	}
	if !ok {
		return Manifest{}, fmt.Errorf("块不存在: %s", path)
	}
	var m Manifest
	row := db.QueryRowContext(ctx, `SELECT instrument, timeframe, block, min_time, max_time, rows, latest_version, last_sync_at FROM manifest WHERE id=1`)
	if err := row.Scan(&m.Instrument, &m.Timeframe, &m.Block, &m.MinTime, &m.MaxTime, &m.Rows, &m.LatestVersion, &m.LastSyncAt); err != nil {
		return Manifest{}, err
	}
	m.Path = path
	return m, nil
}

// Manifests 返回某个序列的全部块统计（按月份升序）。
func (s *Store) Manifests(ctx context.Context, instrument, timeframe string) ([]Manifest, error) {
	blocks, err := s.Blocks(instrument, timeframe)
	if err != nil {
		return nil, err
	}
	out := make([]Manifest, 0, len(blocks))
	for _, b := range blocks {
		m, err := s.Manifest(ctx, instrument, timeframe, b)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
