// Package runlog 记录每次对账运行的台账：区间、版本、摘要、各来源统计与歧义事件。
package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fxcanon/internal/market"
	"fxcanon/internal/reconcile"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("run 不存在")

// Run 是台账中的一次运行。
type Run struct {
	ID           string                     `json:"id"`
	Instrument   string                     `json:"instrument"`
	Timeframe    string                     `json:"timeframe"`
	Range        market.Range               `json:"range"`
	Status       Status                     `json:"status"`
	Version      int                        `json:"version"`
	Digest       string                     `json:"digest"`
	Total        int                        `json:"total"`
	Missing      int                        `json:"missing"`
	Tiebreaks    int                        `json:"tiebreaks"`
	NoOp         bool                       `json:"no_op"`
	Superseded   bool                       `json:"superseded"`
	ByProvenance map[market.Provenance]int  `json:"by_provenance,omitempty"`
	Spans        []reconcile.Span           `json:"spans,omitempty"`
	Ambiguous    []reconcile.AmbiguousEvent `json:"ambiguous,omitempty"`
	Boundaries   []reconcile.BoundaryRecord `json:"boundaries,omitempty"`
	FetchErrors  []string                   `json:"fetch_errors,omitempty"`
	Error        string                     `json:"error,omitempty"`
	ReportPath   string                     `json:"report_path,omitempty"`
	StartedAt    time.Time                  `json:"started_at"`
	FinishedAt   time.Time                  `json:"finished_at,omitempty"`
}

// Outcome 是运行结束时写回台账的结果。
type Outcome struct {
	Series      *reconcile.Series
	NoOp        bool
	Superseded  bool
	FetchErrors []string
	Err         error
	ReportPath  string
}

type Filter struct {
	Instrument string
	Timeframe  string
	Status     Status
	Limit      int
}

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("runlog: 路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&runModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Start 登记一次新运行并分配 ID。
func (s *Store) Start(ctx context.Context, instrument, timeframe string, rng market.Range) (Run, error) {
	now := s.now()
	m := runModel{
		ID:         uuid.NewString(),
		Instrument: instrument,
		Timeframe:  timeframe,
		RangeStart: rng.Start,
		RangeEnd:   rng.End,
		Status:     StatusRunning,
		StartedAt:  now.UnixMilli(),
		UpdatedAt:  now.UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return Run{}, err
	}
	return toRun(m), nil
}

// Finish 写回运行结果；Err 非空时记为 failed，有获取错误时记为 partial。
func (s *Store) Finish(ctx context.Context, id string, out Outcome) (Run, error) {
	var m runModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}
	now := s.now().UnixMilli()
	m.FinishedAt = now
	m.UpdatedAt = now
	m.NoOp = out.NoOp
	m.Superseded = out.Superseded
	m.FetchErrors = mustJSON(out.FetchErrors)
	m.ReportPath = out.ReportPath
	switch {
	case out.Err != nil:
		m.Status = StatusFailed
		m.Error = out.Err.Error()
	case len(out.FetchErrors) > 0:
		m.Status = StatusPartial
	default:
		m.Status = StatusSucceeded
	}
	if sr := out.Series; sr != nil {
		st := sr.Stats()
		m.Version = sr.Version
		m.Digest = sr.Digest
		m.Total = st.Total
		m.Missing = st.Missing
		m.Tiebreaks = st.Tiebreaks
		m.ByProvenance = mustJSON(st.ByProvenance)
		m.Spans = mustJSON(sr.Spans)
		m.Ambiguous = mustJSON(sr.Ambiguous)
		m.Boundaries = mustJSON(sr.Boundaries)
	}
	if err := s.db.WithContext(ctx).Save(&m).Error; err != nil {
		return Run{}, err
	}
	return toRun(m), nil
}

func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	var m runModel
	if err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}
	return toRun(m), nil
}

// List 按开始时间倒序返回运行记录。
func (s *Store) List(ctx context.Context, f Filter) ([]Run, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	q := s.db.WithContext(ctx).Model(&runModel{})
	if f.Instrument != "" {
		q = q.Where("instrument = ?", strings.ToUpper(f.Instrument))
	}
	if f.Timeframe != "" {
		q = q.Where("timeframe = ?", f.Timeframe)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var models []runModel
	if err := q.Order("started_at DESC").Order("id").Limit(f.Limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(models))
	for _, m := range models {
		out = append(out, toRun(m))
	}
	return out, nil
}

// Latest 返回某个序列最近一次成功（含 partial）的运行。
func (s *Store) Latest(ctx context.Context, instrument, timeframe string) (Run, bool, error) {
	var m runModel
	err := s.db.WithContext(ctx).
		Where("instrument = ? AND timeframe = ? AND status IN ?", instrument, timeframe, []Status{StatusSucceeded, StatusPartial}).
		Order("started_at DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return toRun(m), true, nil
}

func toRun(m runModel) Run {
	r := Run{
		ID:         m.ID,
		Instrument: m.Instrument,
		Timeframe:  m.Timeframe,
		Range:      market.Range{Start: m.RangeStart, End: m.RangeEnd},
		Status:     m.Status,
		Version:    m.Version,
		Digest:     m.Digest,
		Total:      m.Total,
		Missing:    m.Missing,
		Tiebreaks:  m.Tiebreaks,
		NoOp:       m.NoOp,
		Superseded: m.Superseded,
		Error:      m.Error,
		ReportPath: m.ReportPath,
		StartedAt:  time.UnixMilli(m.StartedAt).UTC(),
	}
	if m.FinishedAt > 0 {
		r.FinishedAt = time.UnixMilli(m.FinishedAt).UTC()
	}
	decodeJSON(m.ByProvenance, &r.ByProvenance)
	decodeJSON(m.Spans, &r.Spans)
	decodeJSON(m.Ambiguous, &r.Ambiguous)
	decodeJSON(m.Boundaries, &r.Boundaries)
	decodeJSON(m.FetchErrors, &r.FetchErrors)
	return r
}

func mustJSON(v any) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(data)
}

func decodeJSON(data datatypes.JSON, dst any) {
	if len(data) == 0 {
		return
	}
	_ = json.Unmarshal(data, dst)
}
