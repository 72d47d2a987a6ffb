package app

import (
	"fmt"
	"strings"
	"time"

	"fxcanon/internal/config"
	"fxcanon/internal/source"
)

type StartupSummary struct {
	Mode          string
	Schedule      string
	Instruments   []string
	Timeframe     string
	Start         string
	End           string
	Tolerance     string
	Tiebreak      string
	VersionPolicy string
	Sources       []SourceSummary
	CanonicalRoot string
	RunlogPath    string
	ReportDir     string
	HTTPAddr      string
}

type SourceSummary struct {
	Name       string
	Provenance string
	Latency    time.Duration
}

func newStartupSummary(cfg *config.Config, adapters []source.Adapter) *StartupSummary {
	s := &StartupSummary{
		Mode:          cfg.App.Mode,
		Schedule:      cfg.App.Schedule,
		Instruments:   cfg.Run.Instruments,
		Timeframe:     cfg.Run.Timeframe,
		Start:         cfg.Run.Start,
		End:           cfg.Run.End,
		Tolerance:     cfg.Run.ToleranceValue().String(),
		Tiebreak:      cfg.Run.Tiebreak,
		VersionPolicy: cfg.Run.VersionPolicy,
		CanonicalRoot: cfg.Storage.CanonicalRoot,
		RunlogPath:    cfg.Storage.RunlogPath,
		ReportDir:     cfg.Storage.ReportDir,
	}
	if cfg.App.Mode != "once" {
		s.HTTPAddr = cfg.App.HTTPAddr
	}
	for _, a := range adapters {
		item := SourceSummary{Name: a.Name(), Provenance: string(a.Provenance())}
		if l, ok := a.(source.Latency); ok {
			item.Latency = time.Duration(l.DeclaredLatency()) * time.Millisecond
		}
		s.Sources = append(s.Sources, item)
	}
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[运行 (RUN)]")
	mode := s.Mode
	if s.Mode == "schedule" {
		mode += " (" + s.Schedule + ")"
	}
	fmt.Printf("  模式: %s\n", mode)
	fmt.Printf("  品种: %s\n", formatList(s.Instruments))
	fmt.Printf("  周期: %s\n", s.Timeframe)
	fmt.Printf("  区间: %s ~ %s\n", s.Start, s.End)
	fmt.Println()

	fmt.Println("[对账 (RECONCILE)]")
	fmt.Printf("  容差: %s\n", s.Tolerance)
	fmt.Printf("  歧义裁决: %s\n", s.Tiebreak)
	fmt.Printf("  版本策略: %s\n", s.VersionPolicy)
	fmt.Println()

	fmt.Println("[数据源 (SOURCES)]")
	if len(s.Sources) == 0 {
		fmt.Println("  (无)")
	}
	for _, src := range s.Sources {
		fmt.Printf("  > %s provenance=%s latency=%s\n", src.Name, src.Provenance, src.Latency)
	}
	fmt.Println()

	fmt.Println("[存储 (STORAGE)]")
	fmt.Printf("  规范序列: %s\n", s.CanonicalRoot)
	fmt.Printf("  运行台账: %s\n", s.RunlogPath)
	fmt.Printf("  报告目录: %s\n", formatList([]string{s.ReportDir}))
	if s.HTTPAddr != "" {
		fmt.Printf("  查询服务: %s\n", s.HTTPAddr)
	}
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	var out []string
	for _, item := range items {
		if strings.TrimSpace(item) != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return "-"
	}
	return strings.Join(out, ", ")
}
