package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"fxcanon/internal/boundary"
	"fxcanon/internal/market"
	"fxcanon/internal/pkg/symbol"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var structValidator = validator.New()

// validate 对配置进行基础校验：先跑结构体标签，再做跨字段与语义检查。
func validate(c *Config) error {
	if err := structValidator.Struct(c); err != nil {
		return describeValidation(err)
	}
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Run.validate(); err != nil {
		return err
	}
	if err := c.Sources.validate(c.App.Mode); err != nil {
		return err
	}
	return nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("config validation failed: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(msgs, "; "))
}

func (a *AppConfig) validate() error {
	if a.Mode == "schedule" {
		if _, err := cron.ParseStandard(a.Schedule); err != nil {
			return fmt.Errorf("app.schedule is not a valid cron expression: %w", err)
		}
	}
	return nil
}

func (r *RunConfig) validate() error {
	for i, inst := range r.Instruments {
		norm, err := symbol.MustNormalize(inst)
		if err != nil {
			return fmt.Errorf("run.instruments[%d]: %w", i, err)
		}
		r.Instruments[i] = norm
	}
	r.Instruments = normalizeInstruments(r.Instruments)
	tf, err := market.ParseTimeframe(r.Timeframe)
	if err != nil {
		return fmt.Errorf("run.timeframe: %w", err)
	}
	r.Timeframe = tf.Key
	if _, err := boundary.ParseTolerance(r.Tolerance, r.TolerancePips); err != nil {
		return fmt.Errorf("run.tolerance: %w", err)
	}
	if _, err := r.Window(time.Now()); err != nil {
		return err
	}
	return nil
}

func (s *SourcesConfig) validate(mode string) error {
	enabled := s.EnabledSources()
	if len(enabled) == 0 {
		return fmt.Errorf("sources requires at least one enabled source")
	}
	if mode == "watch" {
		if !s.Vendor.Enabled {
			return fmt.Errorf("app.mode=watch requires sources.vendor.enabled")
		}
		if st, err := os.Stat(s.Vendor.Dir); err != nil || !st.IsDir() {
			return fmt.Errorf("app.mode=watch requires an existing sources.vendor.dir: %s", s.Vendor.Dir)
		}
	}
	if s.Broker.ServerZone != "" {
		if _, err := time.LoadLocation(s.Broker.ServerZone); err != nil {
			return fmt.Errorf("sources.broker.server_zone: %w", err)
		}
	}
	if off := s.Vendor.UTCOffsetMinutes; off != nil && (*off < -14*60 || *off > 14*60) {
		return fmt.Errorf("sources.vendor.utc_offset_minutes out of range: %d", *off)
	}
	return nil
}

// TimeframeValue 返回解析后的周期，Load 之后调用不会失败。
func (r RunConfig) TimeframeValue() market.Timeframe {
	return market.MustTimeframe(r.Timeframe)
}

// ToleranceValue 返回解析后的容差。
func (r RunConfig) ToleranceValue() boundary.Tolerance {
	tol, err := boundary.ParseTolerance(r.Tolerance, r.TolerancePips)
	if err != nil {
		return boundary.Tolerance{}
	}
	return tol
}

// Window 把 start/end 解析为按周期对齐的半开区间；end 可写 now。
func (r RunConfig) Window(now time.Time) (market.Range, error) {
	start, err := parseInstant(r.Start, now)
	if err != nil {
		return market.Range{}, fmt.Errorf("run.start: %w", err)
	}
	end, err := parseInstant(r.End, now)
	if err != nil {
		return market.Range{}, fmt.Errorf("run.end: %w", err)
	}
	if !end.After(start) {
		return market.Range{}, fmt.Errorf("run.end must be after run.start (%s >= %s)",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	tf, err := market.ParseTimeframe(r.Timeframe)
	if err != nil {
		return market.Range{}, fmt.Errorf("run.timeframe: %w", err)
	}
	rng := tf.AlignRange(market.Range{Start: start.UnixMilli(), End: end.UnixMilli()})
	if rng.Empty() {
		return market.Range{}, fmt.Errorf("run range shorter than one %s bar", tf.Key)
	}
	return rng, nil
}

func parseInstant(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "now") {
		return now.UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time %q (RFC3339, 2006-01-02 or now)", raw)
}
