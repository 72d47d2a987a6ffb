package config

import (
	"strings"
	"time"
)

// 默认值常量
const (
	defaultAppEnv           = "dev"
	defaultAppLogLevel      = "info"
	defaultAppHTTPAddr      = ":9991"
	defaultAppLogPath       = "/data/logs/fxcanon.log"
	defaultAppMode          = "once"
	defaultAppSchedule      = "15 0 * * *"
	defaultRunTimeframe     = "1m"
	defaultRunStart         = "2010-01-01T00:00:00Z"
	defaultRunEnd           = "now"
	defaultRunTiebreak      = "broker"
	defaultRunPolicy        = "supersede"
	defaultVendorDir        = "/data/vendor"
	defaultBrokerBaseURL    = "http://127.0.0.1:8787"
	defaultBrokerRetention  = 120
	defaultBinanceBaseURL   = "https://fapi.binance.com"
	defaultSourceTimeout    = 15 * time.Second
	defaultFetchConcurrent  = 4
	defaultFetchAttempts    = 3
	defaultFetchBackoffMin  = 500 * time.Millisecond
	defaultFetchBackoffMax  = 30 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultCanonicalRoot    = "/data/canonical"
	defaultRunlogPath       = "/data/db/runs.db"
	defaultReportDir        = "/data/reports"
)

var defaultInstruments = []string{"USDJPY", "EURUSD"}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Run.applyDefaults(keys)
	c.Sources.applyDefaults(keys)
	c.Fetch.applyDefaults(keys)
	c.Storage.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.mode", &a.Mode, defaultAppMode),
		stringFieldDefault("app.schedule", &a.Schedule, defaultAppSchedule),
	)
	a.LogLevel = strings.ToLower(strings.TrimSpace(a.LogLevel))
	a.Mode = strings.ToLower(strings.TrimSpace(a.Mode))
}

func (r *RunConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "run.instruments",
			need:  func() bool { return len(r.Instruments) == 0 },
			apply: func() { r.Instruments = append([]string(nil), defaultInstruments...) },
		},
		stringFieldDefault("run.timeframe", &r.Timeframe, defaultRunTimeframe),
		stringFieldDefault("run.start", &r.Start, defaultRunStart),
		stringFieldDefault("run.end", &r.End, defaultRunEnd),
		stringFieldDefault("run.tiebreak", &r.Tiebreak, defaultRunTiebreak),
		stringFieldDefault("run.version_policy", &r.VersionPolicy, defaultRunPolicy),
	)
	r.Instruments = normalizeInstruments(r.Instruments)
	r.Tiebreak = strings.ToLower(strings.TrimSpace(r.Tiebreak))
	r.VersionPolicy = strings.ToLower(strings.TrimSpace(r.VersionPolicy))
}

func (s *SourcesConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("sources.vendor.enabled", &s.Vendor.Enabled, true),
		stringFieldDefault("sources.vendor.dir", &s.Vendor.Dir, defaultVendorDir),
		boolFieldDefault("sources.broker.enabled", &s.Broker.Enabled, true),
		stringFieldDefault("sources.broker.base_url", &s.Broker.BaseURL, defaultBrokerBaseURL),
		durationFieldDefault("sources.broker.timeout", &s.Broker.Timeout, defaultSourceTimeout),
		fieldDefault{
			key:   "sources.broker.retention_days",
			need:  func() bool { return s.Broker.RetentionDays <= 0 },
			apply: func() { s.Broker.RetentionDays = defaultBrokerRetention },
		},
		boolFieldDefault("sources.binance.enabled", &s.Binance.Enabled, false),
		stringFieldDefault("sources.binance.base_url", &s.Binance.BaseURL, defaultBinanceBaseURL),
		durationFieldDefault("sources.binance.timeout", &s.Binance.Timeout, defaultSourceTimeout),
	)
}

func (f *FetchConfig) applyDefaults(keys keySet) {
	if f == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "fetch.max_concurrent",
			need:  func() bool { return f.MaxConcurrent <= 0 },
			apply: func() { f.MaxConcurrent = defaultFetchConcurrent },
		},
		fieldDefault{
			key:   "fetch.max_attempts",
			need:  func() bool { return f.MaxAttempts <= 0 },
			apply: func() { f.MaxAttempts = defaultFetchAttempts },
		},
		durationFieldDefault("fetch.backoff_min", &f.BackoffMin, defaultFetchBackoffMin),
		durationFieldDefault("fetch.backoff_max", &f.BackoffMax, defaultFetchBackoffMax),
		fieldDefault{
			key:   "fetch.breaker_threshold",
			need:  func() bool { return f.BreakerThreshold <= 0 },
			apply: func() { f.BreakerThreshold = defaultBreakerThreshold },
		},
		durationFieldDefault("fetch.breaker_cooldown", &f.BreakerCooldown, defaultBreakerCooldown),
	)
}

func (s *StorageConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("storage.canonical_root", &s.CanonicalRoot, defaultCanonicalRoot),
		stringFieldDefault("storage.runlog_path", &s.RunlogPath, defaultRunlogPath),
		stringFieldDefault("storage.report_dir", &s.ReportDir, defaultReportDir),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func durationFieldDefault(key string, target *time.Duration, def time.Duration) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func normalizeInstruments(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, inst := range list {
		inst = strings.ToUpper(strings.TrimSpace(inst))
		if inst == "" || seen[inst] {
			continue
		}
		seen[inst] = true
		out = append(out, inst)
	}
	return out
}
