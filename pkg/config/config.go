// Package config 加载 forkserver 目标程序的配置
//
// 配置来自一个 YAML 文件，AFL_MAP_SIZE 环境变量可以覆盖其中的 map 大小，
// 命令行参数最后覆盖两者
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zqzqsb/forkserver/pkg/afl"
	"github.com/zqzqsb/forkserver/pkg/rlimit"
	"github.com/zqzqsb/forkserver/pkg/seccomp"
	"github.com/zqzqsb/forkserver/pkg/seccomp/libseccomp"
	"github.com/zqzqsb/forkserver/runner"
)

// Config 是目标程序的完整配置
type Config struct {
	// MapSize 是握手时报告的覆盖率 map 大小，0 表示使用共享内存段的大小
	MapSize runner.Size `yaml:"map_size"`

	// Persistent 是持久模式下一个子进程执行的轮数，小于 2 表示每轮 fork
	Persistent int `yaml:"persistent"`

	// Timeout 是 executor 模式下单次执行的超时
	Timeout time.Duration `yaml:"timeout"`

	// Tokens 是握手时发送的自动字典
	Tokens []string `yaml:"tokens"`

	// RLimits 在执行子进程中应用
	RLimits rlimit.RLimits `yaml:"rlimits"`

	Seccomp Seccomp `yaml:"seccomp"`

	// LogLevel 是 debug、info、warn 或 error
	LogLevel string `yaml:"log_level"`

	// MetricsAddr 非空时在该地址提供 /metrics
	MetricsAddr string `yaml:"metrics_addr"`
}

// Seccomp 是执行子进程的过滤策略，全部为空表示不加载过滤器
type Seccomp struct {
	Allow   []string `yaml:"allow"`
	Deny    []string `yaml:"deny"`
	Default string   `yaml:"default"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		LogLevel: "info",
		RLimits:  rlimit.RLimits{DisableCore: true},
	}
}

// LoadFile 从 path 加载配置并应用环境变量
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Load(data)
}

// Load 解析 YAML 配置，未知字段视为错误
func Load(data []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv 应用 AFL_MAP_SIZE
func (c *Config) ApplyEnv() error {
	v, ok := os.LookupEnv(afl.MapSizeEnvVar)
	if !ok || v == "" {
		return nil
	}
	var s runner.Size
	if err := s.Set(v); err != nil {
		return afl.Wrap(afl.KindConfiguration, "parse "+afl.MapSizeEnvVar, err)
	}
	c.MapSize = s
	return nil
}

// Validate 检查配置
func (c *Config) Validate() error {
	var errs []error

	if c.MapSize > 1<<32-1 {
		errs = append(errs, fmt.Errorf("map_size %v does not fit in a protocol word", c.MapSize))
	}
	if c.Persistent < 0 {
		errs = append(errs, fmt.Errorf("persistent must not be negative: %d", c.Persistent))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative: %v", c.Timeout))
	}
	for _, t := range c.Tokens {
		if len(t) == 0 || len(t) > 255 {
			errs = append(errs, fmt.Errorf("token %q must be 1 to 255 bytes", t))
		}
	}
	if c.Seccomp.Default != "" {
		if _, err := seccomp.ParseAction(c.Seccomp.Default); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return afl.Wrap(afl.KindConfiguration, "validate config", errors.Join(errs...))
	}
	return nil
}

// Level 返回日志级别
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return l, nil
}

// EncodedTokens 返回握手使用的自动字典，没有 token 时返回 nil
func (c *Config) EncodedTokens() ([]byte, error) {
	if len(c.Tokens) == 0 {
		return nil, nil
	}
	tokens := make([][]byte, 0, len(c.Tokens))
	for _, t := range c.Tokens {
		tokens = append(tokens, []byte(t))
	}
	return afl.EncodeTokens(tokens)
}

// Filter 编译 seccomp 策略，没有配置时返回 nil
func (c *Config) Filter() (seccomp.Filter, error) {
	s := c.Seccomp
	if len(s.Allow) == 0 && len(s.Deny) == 0 && s.Default == "" {
		return nil, nil
	}
	def := seccomp.ActionAllow
	if s.Default != "" {
		var err error
		if def, err = seccomp.ParseAction(s.Default); err != nil {
			return nil, afl.Wrap(afl.KindConfiguration, "seccomp default", err)
		}
	}
	b := libseccomp.Builder{Allow: s.Allow, Deny: s.Deny, Default: def}
	filter, err := b.Build()
	if err != nil {
		return nil, afl.Wrap(afl.KindConfiguration, "build seccomp filter", err)
	}
	return filter, nil
}
