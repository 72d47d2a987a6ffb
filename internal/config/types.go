package config

import (
	"strings"
	"time"
)

// Config 汇总 fxcanon 的全部配置。
type Config struct {
	App     AppConfig     `toml:"app"`
	Run     RunConfig     `toml:"run"`
	Sources SourcesConfig `toml:"sources"`
	Fetch   FetchConfig   `toml:"fetch"`
	Storage StorageConfig `toml:"storage"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogPath  string `toml:"log_path"`
	// AuditLogPath 记录裁决（tie-break）审计行，留空则写入主日志。
	AuditLogPath string `toml:"audit_log_path"`
	HTTPAddr     string `toml:"http_addr"`
	Mode         string `toml:"mode" validate:"oneof=once schedule watch"`
	// Schedule 为 schedule 模式下的 cron 表达式（五段）。
	Schedule string `toml:"schedule"`
}

// RunConfig 描述一次对账的目标：品种、周期、区间与裁决参数。
type RunConfig struct {
	Instruments   []string `toml:"instruments" validate:"required,min=1,dive,required"`
	Timeframe     string   `toml:"timeframe" validate:"required"`
	Start         string   `toml:"start" validate:"required"`
	End           string   `toml:"end" validate:"required"`
	Tolerance     string   `toml:"tolerance"`
	TolerancePips string   `toml:"tolerance_pips"`
	Tiebreak      string   `toml:"tiebreak" validate:"oneof=broker vendor binance"`
	VersionPolicy string   `toml:"version_policy" validate:"oneof=supersede reject"`
}

type SourcesConfig struct {
	Vendor  VendorConfig  `toml:"vendor"`
	Broker  BrokerConfig  `toml:"broker"`
	Binance BinanceConfig `toml:"binance"`
}

type VendorConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir" validate:"required_if=Enabled true"`
	// UTCOffsetMinutes 为档案时间戳的固定时区偏移，nil 时使用适配器默认值（UTC-5）。
	UTCOffsetMinutes *int          `toml:"utc_offset_minutes"`
	Precision        int32         `toml:"precision" validate:"gte=0,lte=8"`
	Latency          time.Duration `toml:"latency" validate:"gte=0"`
}

type BrokerConfig struct {
	Enabled       bool          `toml:"enabled"`
	BaseURL       string        `toml:"base_url" validate:"required_if=Enabled true,omitempty,url"`
	Suffix        string        `toml:"suffix"`
	ServerZone    string        `toml:"server_zone"`
	Timeout       time.Duration `toml:"timeout" validate:"gte=0"`
	Latency       time.Duration `toml:"latency" validate:"gte=0"`
	RetentionDays int           `toml:"retention_days" validate:"gte=0"`
}

type BinanceConfig struct {
	Enabled bool          `toml:"enabled"`
	BaseURL string        `toml:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `toml:"timeout" validate:"gte=0"`
	Latency time.Duration `toml:"latency" validate:"gte=0"`
}

// FetchConfig 控制回填的并发、限速、重试与熔断。
type FetchConfig struct {
	MaxConcurrent    int           `toml:"max_concurrent" validate:"gte=0"`
	RateLimitPerMin  int           `toml:"rate_limit_per_min" validate:"gte=0"`
	MaxAttempts      int           `toml:"max_attempts" validate:"gte=0"`
	BackoffMin       time.Duration `toml:"backoff_min" validate:"gte=0"`
	BackoffMax       time.Duration `toml:"backoff_max" validate:"gte=0,gtefield=BackoffMin"`
	BreakerThreshold int           `toml:"breaker_threshold" validate:"gte=0"`
	BreakerCooldown  time.Duration `toml:"breaker_cooldown" validate:"gte=0"`
}

type StorageConfig struct {
	CanonicalRoot string `toml:"canonical_root" validate:"required"`
	RunlogPath    string `toml:"runlog_path" validate:"required"`
	ReportDir     string `toml:"report_dir"`
}

// EnabledSources 返回启用的数据源名称，顺序固定为 vendor、broker、binance。
func (s SourcesConfig) EnabledSources() []string {
	var out []string
	if s.Vendor.Enabled {
		out = append(out, "vendor")
	}
	if s.Broker.Enabled {
		out = append(out, "broker")
	}
	if s.Binance.Enabled {
		out = append(out, "binance")
	}
	return out
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
