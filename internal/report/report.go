// Package report 为每次对账运行生成来源报告（YAML）与审计图表（HTML）。
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"fxcanon/internal/reconcile"

	"gopkg.in/yaml.v3"
)

// Document 是 YAML 报告的顶层结构，供下游训练流程读取来源与缺口信息。
type Document struct {
	RunID       string                     `yaml:"run_id"`
	GeneratedAt string                     `yaml:"generated_at"`
	Instrument  string                     `yaml:"instrument"`
	Timeframe   string                     `yaml:"timeframe"`
	Start       string                     `yaml:"start"`
	End         string                     `yaml:"end"`
	Version     int                        `yaml:"version"`
	Digest      string                     `yaml:"digest"`
	NoOp        bool                       `yaml:"no_op,omitempty"`
	Superseded  bool                       `yaml:"superseded,omitempty"`
	Stats       Stats                      `yaml:"stats"`
	Boundaries  []reconcile.BoundaryRecord `yaml:"boundaries,omitempty"`
	Ambiguous   []reconcile.AmbiguousEvent `yaml:"ambiguous,omitempty"`
	Spans       []Span                     `yaml:"spans"`
	Gaps        []Gap                      `yaml:"gaps,omitempty"`
	Sources     []SourceResult             `yaml:"sources,omitempty"`
}

type Stats struct {
	Total        int            `yaml:"total"`
	Missing      int            `yaml:"missing"`
	Tiebreaks    int            `yaml:"tiebreaks"`
	ByProvenance map[string]int `yaml:"by_provenance"`
	ByRule       map[string]int `yaml:"by_rule"`
}

type Span struct {
	Start      string `yaml:"start"`
	End        string `yaml:"end"`
	Provenance string `yaml:"provenance,omitempty"`
	Rule       string `yaml:"rule,omitempty"`
	Missing    string `yaml:"missing,omitempty"`
	Count      int    `yaml:"count"`
}

type Gap struct {
	Start  string `yaml:"start"`
	End    string `yaml:"end"`
	Reason string `yaml:"reason"`
}

// SourceResult 是单个数据源本次拉取的摘要。
type SourceResult struct {
	Source    string `yaml:"source"`
	Candles   int    `yaml:"candles"`
	Attempts  int    `yaml:"attempts"`
	Earliest  string `yaml:"earliest_boundary,omitempty"`
	Latest    string `yaml:"latest_boundary,omitempty"`
	Error     string `yaml:"error,omitempty"`
	ElapsedMS int64  `yaml:"elapsed_ms"`
}

// Meta 是生成报告时 series 之外的运行信息。
type Meta struct {
	RunID       string
	GeneratedAt time.Time
	NoOp        bool
	Superseded  bool
	Sources     []SourceResult
}

func stamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// Build 由 series 组装报告文档。
func Build(s *reconcile.Series, meta Meta) Document {
	if meta.GeneratedAt.IsZero() {
		meta.GeneratedAt = time.Now()
	}
	st := s.Stats()
	doc := Document{
		RunID:       meta.RunID,
		GeneratedAt: meta.GeneratedAt.UTC().Format(time.RFC3339),
		Instrument:  s.Instrument,
		Timeframe:   s.Timeframe,
		Start:       stamp(s.Range.Start),
		End:         stamp(s.Range.End),
		Version:     s.Version,
		Digest:      s.Digest,
		NoOp:        meta.NoOp,
		Superseded:  meta.Superseded,
		Stats: Stats{
			Total:        st.Total,
			Missing:      st.Missing,
			Tiebreaks:    st.Tiebreaks,
			ByProvenance: make(map[string]int, len(st.ByProvenance)),
			ByRule:       make(map[string]int, len(st.ByRule)),
		},
		Boundaries: s.Boundaries,
		Ambiguous:  s.Ambiguous,
		Sources:    meta.Sources,
	}
	for p, n := range st.ByProvenance {
		doc.Stats.ByProvenance[string(p)] = n
	}
	for r, n := range st.ByRule {
		doc.Stats.ByRule[string(r)] = n
	}
	for _, sp := range s.Spans {
		doc.Spans = append(doc.Spans, Span{Start: stamp(sp.Start), End: stamp(sp.End), Provenance: string(sp.Provenance),
			Rule: string(sp.Rule), Missing: string(sp.Missing), Count: sp.Count})
	}
	for _, g := range s.Gaps {
		doc.Gaps = append(doc.Gaps, Gap{Start: stamp(g.Start), End: stamp(g.End), Reason: string(g.Reason)})
	}
	sort.Slice(doc.Sources, func(i, j int) bool { return doc.Sources[i].Source < doc.Sources[j].Source })
	return doc
}

// SourceFrom 便于调用方把边界毫秒转换为报告字段。
func SourceFrom(name string, candles, attempts int, earliest, latest int64, err error, elapsed time.Duration) SourceResult {
	out := SourceResult{Source: name, Candles: candles, Attempts: attempts, ElapsedMS: elapsed.Milliseconds()}
	if earliest != 0 {
		out.Earliest = stamp(earliest)
	}
	if latest != 0 {
		out.Latest = stamp(latest)
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func WriteYAML(w io.Writer, doc Document) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

// ReadYAML 读取已生成的报告。
func ReadYAML(r io.Reader) (Document, error) {
	var doc Document
	err := yaml.NewDecoder(r).Decode(&doc)
	return doc, err
}

// Paths 是一次运行生成的文件。
type Paths struct {
	YAML string
	HTML string
}

// Write 在 dir 下生成 <INSTRUMENT>_<tf>_v<version>_<run>.yaml 与同名 .html。
func Write(dir string, s *reconcile.Series, meta Meta) (Paths, error) {
	if strings.TrimSpace(dir) == "" {
		return Paths{}, fmt.Errorf("report dir 不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Paths{}, err
	}
	run := meta.RunID
	if len(run) > 8 {
		run = run[:8]
	}
	base := fmt.Sprintf("%s_%s_v%d", strings.ToUpper(s.Instrument), s.Timeframe, s.Version)
	if run != "" {
		base += "_" + run
	}
	paths := Paths{YAML: filepath.Join(dir, base+".yaml"), HTML: filepath.Join(dir, base+".html")}

	doc := Build(s, meta)
	if err := writeFile(paths.YAML, func(w io.Writer) error { return WriteYAML(w, doc) }); err != nil {
		return Paths{}, err
	}
	if err := writeFile(paths.HTML, func(w io.Writer) error { return RenderChart(w, s) }); err != nil {
		return Paths{}, err
	}
	return paths, nil
}

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
