package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvConfigPath 为选择配置文件的环境变量。
const EnvConfigPath = "FXCANON_CONFIG"

// EnvPrefix 为覆盖单个配置项的环境变量前缀，如 FXCANON_RUN_END 覆盖 run.end。
const EnvPrefix = "FXCANON"

// DefaultPath 为未设置环境变量时的配置路径。
const DefaultPath = "configs/config.yaml"

// PathFromEnv 返回 FXCANON_CONFIG 指定的路径，未设置时返回 DefaultPath。
func PathFromEnv() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 按 include 顺序合并配置文件，再叠加环境变量覆盖。
// 只有文件里没有出现的字段才补默认值，最后统一校验。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("配置路径为空")
	}
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	files, err := includeChain(root, map[string]bool{}, map[string]bool{})
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range files {
		part := viper.New()
		part.SetConfigFile(file)
		if err := part.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置 %s 失败: %w", file, err)
		}
		if err := v.MergeConfigMap(part.AllSettings()); err != nil {
			return nil, fmt.Errorf("合并配置 %s 失败: %w", file, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	present := make(keySet)
	for _, k := range v.AllKeys() {
		present.mark(k)
	}
	cfg.applyDefaults(present)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// includeChain 深度优先展开 include，被引用的文件排在引用者之前，
// 后合并的文件覆盖先合并的。
func includeChain(path string, done, visiting map[string]bool) ([]string, error) {
	path = filepath.Clean(path)
	if visiting[path] {
		return nil, fmt.Errorf("配置 include 成环: %s", path)
	}
	if done[path] {
		return nil, nil
	}
	visiting[path] = true
	peek := viper.New()
	peek.SetConfigFile(path)
	if err := peek.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置 %s 失败: %w", path, err)
	}
	var chain []string
	for _, inc := range peek.GetStringSlice("include") {
		inc = strings.TrimSpace(inc)
		if inc == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		sub, err := includeChain(inc, done, visiting)
		if err != nil {
			return nil, err
		}
		chain = append(chain, sub...)
	}
	delete(visiting, path)
	done[path] = true
	return append(chain, path), nil
}
