package canonical

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"fxcanon/internal/logger"
	"fxcanon/internal/market"
	"fxcanon/internal/reconcile"
)

// Policy 决定写入内容与最新版本不一致时的处理方式。
type Policy string

const (
	PolicyReject    Policy = "reject"
	PolicySupersede Policy = "supersede"
)

type WriteOptions struct {
	RunID  string
	Policy Policy
}

type WriteResult struct {
	Version    int      `json:"version"`
	Appended   int      `json:"appended"`
	Unchanged  int      `json:"unchanged"`
	Conflicts  int      `json:"conflicts"`
	NoOp       bool     `json:"no_op"`
	Superseded bool     `json:"superseded"`
	Blocks     []string `json:"blocks"`
}

// Write 把序列写入最新版本：已存在且相同的行跳过，新时间点追加。
// 已存在但内容不同的时间点在 PolicyReject 下返回 CanonicalConflict，
// 在 PolicySupersede 下整条序列写成 latest+1 版本，旧版本保持可读。
// 写入成功后 series.Version 被设置为落盘版本。
func (s *Store) Write(ctx context.Context, series *reconcile.Series, opts WriteOptions) (WriteResult, error) {
	if series == nil {
		return WriteResult{}, fmt.Errorf("series 不能为空")
	}
	tf, err := market.ParseTimeframe(series.Timeframe)
	if err != nil {
		return WriteResult{}, err
	}
	instrument := strings.ToUpper(series.Instrument)
	if opts.Policy == "" {
		opts.Policy = PolicyReject
	}
	lock := s.seriesLock(instrument, tf.Key)
	lock.Lock()
	defer lock.Unlock()

	latest, err := s.LatestVersion(ctx, instrument, tf.Key)
	if err != nil {
		return WriteResult{}, err
	}
	// 上次写入中途失败留下的未登记行必须先清掉，否则会与本次版本号冲突
	if err := s.dropUnregistered(ctx, instrument, tf.Key, latest); err != nil {
		return WriteResult{}, err
	}
	existing := map[int64][]byte{}
	if latest > 0 {
		prev, _, err := s.readEntries(ctx, instrument, tf, tf.AlignRange(series.Range), latest)
		if err != nil {
			return WriteResult{}, err
		}
		for _, e := range prev {
			existing[e.OpenTime] = reconcile.EncodeEntry(nil, e)
		}
	}

	var (
		res           WriteResult
		appendRows    []reconcile.Entry
		firstMismatch int64 = -1
		buf           []byte
	)
	for _, e := range series.Entries {
		old, ok := existing[e.OpenTime]
		if !ok {
			appendRows = append(appendRows, e)
			continue
		}
		buf = reconcile.EncodeEntry(buf[:0], e)
		if bytes.Equal(old, buf) {
			res.Unchanged++
			continue
		}
		res.Conflicts++
		if firstMismatch < 0 {
			firstMismatch = e.OpenTime
		}
	}

	rows := appendRows
	res.Version = max(latest, 1)
	if res.Conflicts > 0 {
		if opts.Policy != PolicySupersede {
			return res, &market.Error{Kind: market.ErrCanonicalConflict, Op: "canonical.write",
				Instrument: instrument, Timeframe: tf.Key,
				Range: market.Range{Start: firstMismatch, End: firstMismatch + tf.Step()},
				Err:   fmt.Errorf("版本 %d 已有 %d 个时间点内容不同", latest, res.Conflicts)}
		}
		rows = series.Entries
		res.Version = latest + 1
		res.Superseded = true
	}
	if len(rows) == 0 {
		res.NoOp = true
		res.Version = latest
		series.Version = latest
		logger.Infof("[canonical] %s@%s 内容与 v%d 一致，跳过写入", instrument, tf.Key, latest)
		return res, nil
	}

	byBlock := make(map[string][]reconcile.Entry)
	for _, e := range rows {
		b := BlockOf(e.OpenTime)
		if _, ok := byBlock[b]; !ok {
			res.Blocks = append(res.Blocks, b)
		}
		byBlock[b] = append(byBlock[b], e)
	}
	for _, b := range res.Blocks {
		if err := s.writeBlock(ctx, instrument, tf.Key, b, res.Version, byBlock[b]); err != nil {
			s.discardVersion(ctx, instrument, tf.Key, latest)
			return res, err
		}
	}
	if err := s.registerVersion(ctx, instrument, tf.Key, res.Version, latest, opts.RunID, series); err != nil {
		s.discardVersion(ctx, instrument, tf.Key, latest)
		return res, err
	}
	res.Appended = len(appendRows)
	series.Version = res.Version
	logger.Infof("[canonical] %s@%s 写入 v%d rows=%d blocks=%d superseded=%v",
		instrument, tf.Key, res.Version, len(rows), len(res.Blocks), res.Superseded)
	return res, nil
}

// Supersede 以 PolicySupersede 写入。
func (s *Store) Supersede(ctx context.Context, series *reconcile.Series, runID string) (WriteResult, error) {
	return s.Write(ctx, series, WriteOptions{RunID: runID, Policy: PolicySupersede})
}

func (s *Store) writeBlock(ctx context.Context, instrument, timeframe, block string, version int, rows []reconcile.Entry) error {
	db, _, err := s.blockDB(instrument, timeframe, block)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entries (version, open_time, provenance, rule, missing, open, high, low, close, volume,
		    bid_open, bid_high, bid_low, bid_close, ask_open, ask_high, ask_low, ask_close)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, e := range rows {
		args := []any{version, e.OpenTime, string(e.Provenance), string(e.Rule), string(e.Missing)}
		args = append(args, candleArgs(e.Candle)...)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("写入 %s/%s/%s 失败: %w", instrument, timeframe, block, err)
		}
	}
	if err := s.refreshManifest(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// dropUnregistered 删除所有块中版本号大于 latest 的行。这些行属于未完成登记的写入，读取时不可见。
func (s *Store) dropUnregistered(ctx context.Context, instrument, timeframe string, latest int) error {
	blocks, err := s.Blocks(instrument, timeframe)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		db, _, err := s.blockDB(instrument, timeframe, b)
		if err != nil {
			return err
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		out, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE version > ?`, latest)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("清理 %s/%s/%s 未登记版本失败: %w", instrument, timeframe, b, err)
		}
		n, _ := out.RowsAffected()
		if n == 0 {
			_ = tx.Rollback()
			continue
		}
		if err := s.refreshManifest(ctx, tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		logger.Warnf("[canonical] %s@%s 块 %s 清理未登记行 %d 条 (version>%d)", instrument, timeframe, b, n, latest)
	}
	return nil
}

// discardVersion 在写入失败后尽量回收已提交的块；失败时留给下一次写入前的清理。
func (s *Store) discardVersion(ctx context.Context, instrument, timeframe string, latest int) {
	if err := s.dropUnregistered(context.WithoutCancel(ctx), instrument, timeframe, latest); err != nil {
		logger.Warnf("[canonical] %s@%s 回收失败写入: %v", instrument, timeframe, err)
	}
}

func candleArgs(c *market.Candle) []any {
	out := make([]any, 13)
	if c == nil {
		return out
	}
	out[0], out[1], out[2], out[3], out[4] = c.Open, c.High, c.Low, c.Close, c.Volume
	if c.Bid != nil && c.Ask != nil {
		out[5], out[6], out[7], out[8] = c.Bid.Open, c.Bid.High, c.Bid.Low, c.Bid.Close
		out[9], out[10], out[11], out[12] = c.Ask.Open, c.Ask.High, c.Ask.Low, c.Ask.Close
	}
	return out
}

func (s *Store) registerVersion(ctx context.Context, instrument, timeframe string, version, latest int, runID string, series *reconcile.Series) error {
	db, err := s.indexDB(instrument, timeframe)
	if err != nil {
		return err
	}
	if version > latest {
		_, err = db.ExecContext(ctx, `INSERT INTO versions (version, run_id, digest, range_start, range_end, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			version, runID, series.Digest, series.Range.Start, series.Range.End, s.now().UnixMilli())
		return err
	}
	// 追加到已有版本：扩展覆盖区间
	_, err = db.ExecContext(ctx, `UPDATE versions SET range_start = MIN(range_start, ?), range_end = MAX(range_end, ?) WHERE version = ?`,
		series.Range.Start, series.Range.End, version)
	return err
}
