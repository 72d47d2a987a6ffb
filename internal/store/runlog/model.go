package runlog

import "gorm.io/datatypes"

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	// StatusPartial 至少一个来源获取失败，但仍产出了规范序列。
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

type runModel struct {
	ID           string         `gorm:"column:id;primaryKey"`
	Instrument   string         `gorm:"column:instrument;index:idx_runs_series"`
	Timeframe    string         `gorm:"column:timeframe;index:idx_runs_series"`
	RangeStart   int64          `gorm:"column:range_start"`
	RangeEnd     int64          `gorm:"column:range_end"`
	Status       Status         `gorm:"column:status;index"`
	Version      int            `gorm:"column:version"`
	Digest       string         `gorm:"column:digest"`
	Total        int            `gorm:"column:total"`
	Missing      int            `gorm:"column:missing"`
	Tiebreaks    int            `gorm:"column:tiebreaks"`
	NoOp         bool           `gorm:"column:no_op"`
	Superseded   bool           `gorm:"column:superseded"`
	ByProvenance datatypes.JSON `gorm:"column:by_provenance"`
	Spans        datatypes.JSON `gorm:"column:spans"`
	Ambiguous    datatypes.JSON `gorm:"column:ambiguous"`
	Boundaries   datatypes.JSON `gorm:"column:boundaries"`
	FetchErrors  datatypes.JSON `gorm:"column:fetch_errors"`
	Error        string         `gorm:"column:error"`
	ReportPath   string         `gorm:"column:report_path"`
	StartedAt    int64          `gorm:"column:started_at;index"`
	FinishedAt   int64          `gorm:"column:finished_at"`
	UpdatedAt    int64          `gorm:"column:updated_at"`
}

func (runModel) TableName() string { return "reconcile_runs" }
