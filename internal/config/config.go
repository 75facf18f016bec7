package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/merkle"
	"Fairfy-Chain/pkg/logger"
)

// Config 描述了 agent 与 fairfyd 启动阶段需要加载的全部配置。
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Queue    QueueConfig    `yaml:"queue"`
	Logging  logger.Config  `yaml:"logging"`
	Alerting AlertingConfig `yaml:"alerting"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

// AgentConfig 控制客户端采集与同步循环。
type AgentConfig struct {
	ProcessName string `yaml:"process_name"`
	PID         int    `yaml:"pid"`
	ProcRoot    string `yaml:"proc_root"`
	Filter      string `yaml:"filter"`
	ChunkSize   int    `yaml:"chunk_size"`
	Endpoint    string `yaml:"endpoint"`

	IntervalSeconds   int `yaml:"interval_seconds"`
	SendTimeoutMillis int `yaml:"send_timeout_ms"`
	MaxRounds         int `yaml:"max_rounds"`
	CommitBatch       int `yaml:"commit_batch"`

	// AwaitVerdict 使每轮轮询 verifier 的判定后再结束。
	AwaitVerdict       bool   `yaml:"await_verdict"`
	PollIntervalMillis int    `yaml:"poll_interval_ms"`
	MetricsAddress     string `yaml:"metrics_address"`

	Reveal  RevealConfig  `yaml:"reveal"`
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
	Profile ProfileConfig `yaml:"profile"`
}

// RevealConfig 决定每轮揭示哪个叶子以及断言的字节偏移。
type RevealConfig struct {
	LeafIndex int   `yaml:"leaf_index"`
	Random    bool  `yaml:"random"`
	Offsets   []int `yaml:"offsets"`
}

// RetryConfig 描述单次发送的指数退避重试。
type RetryConfig struct {
	MaxAttempts       int `yaml:"max_attempts"`
	BaseBackoffMillis int `yaml:"base_backoff_ms"`
	MaxBackoffMillis  int `yaml:"max_backoff_ms"`
}

// BreakerConfig 描述熔断器阈值。
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
	MaxTrips         int `yaml:"max_trips"`
}

// ProfileConfig 控制时间剖析器的采样窗口。
type ProfileConfig struct {
	Samples        int    `yaml:"samples"`
	IntervalMillis int    `yaml:"interval_ms"`
	OutputDir      string `yaml:"output_dir"`
}

// ServerConfig 控制 fairfyd 的 HTTP 服务与校验策略。
type ServerConfig struct {
	Address      string `yaml:"address"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	// MembershipOnly 关闭揭示的包含路径校验，仅检查哈希是否出现在承诺中。
	MembershipOnly bool   `yaml:"membership_only"`
	BaselinePath   string `yaml:"baseline_path"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	// DeniedHashes 中任一叶子出现在承诺里即拒绝该承诺。
	DeniedHashes     []string `yaml:"denied_hashes"`
	MaxRetries       int      `yaml:"max_retries"`
	RetryDelayMillis int      `yaml:"retry_delay_ms"`
}

// StorageConfig 描述校验任务与承诺的存储后端。
type StorageConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `yaml:"conn_max_idle_time_seconds"`
	Retries                int    `yaml:"retries"`
}

// QueueConfig 描述校验任务队列。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Workers  int            `yaml:"workers"`
	Buffer   int            `yaml:"buffer"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 为 Redis list 队列的连接参数。
type RedisConfig struct {
	Address          string `yaml:"address"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	Queue            string `yaml:"queue"`
	BlockWaitSeconds int    `yaml:"block_wait_seconds"`
}

// RabbitMQConfig 为 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// AlertingConfig 配置揭示被拒与熔断时的告警渠道。
type AlertingConfig struct {
	WebhookURL           string `yaml:"webhook_url"`
	WebhookTimeoutMillis int    `yaml:"webhook_timeout_ms"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Load 解析指定路径的 YAML 配置文件，填充默认值并校验。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	cfg, err := Parse(content, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("解析配置 %s 失败: %w", path, err)
	}
	return cfg, nil
}

// Parse 解析 YAML 内容，相对路径以 baseDir 为基准。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回未提供配置文件时使用的配置。
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(".")
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置默认值。
func (c *Config) applyDefaults(baseDir string) {
	a := &c.Agent
	if a.ProcRoot == "" {
		a.ProcRoot = "/proc"
	}
	if a.Filter == "" {
		a.Filter = "interesting"
	}
	if a.ChunkSize == 0 {
		a.ChunkSize = 2048
	}
	if a.Endpoint == "" {
		a.Endpoint = "http://127.0.0.1:9000"
	}
	if a.IntervalSeconds <= 0 {
		a.IntervalSeconds = 15
	}
	if a.SendTimeoutMillis <= 0 {
		a.SendTimeoutMillis = 15000
	}
	if a.CommitBatch <= 0 {
		a.CommitBatch = 64
	}
	if a.PollIntervalMillis <= 0 {
		a.PollIntervalMillis = 500
	}
	if len(a.Reveal.Offsets) == 0 {
		a.Reveal.Offsets = []int{0, 1, 2}
	}
	if a.Retry.MaxAttempts <= 0 {
		a.Retry.MaxAttempts = 4
	}
	if a.Retry.BaseBackoffMillis <= 0 {
		a.Retry.BaseBackoffMillis = 500
	}
	if a.Retry.MaxBackoffMillis <= 0 {
		a.Retry.MaxBackoffMillis = 8000
	}
	if a.Breaker.FailureThreshold <= 0 {
		a.Breaker.FailureThreshold = 3
	}
	if a.Breaker.CooldownSeconds <= 0 {
		a.Breaker.CooldownSeconds = 60
	}
	if a.Breaker.MaxTrips <= 0 {
		a.Breaker.MaxTrips = 5
	}
	if a.Profile.Samples <= 0 {
		a.Profile.Samples = 10
	}
	if a.Profile.IntervalMillis <= 0 {
		a.Profile.IntervalMillis = 1000
	}

	if c.Server.Address == "" {
		c.Server.Address = ":9000"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 20 << 20
	}
	if c.Server.MaxRetries <= 0 {
		c.Server.MaxRetries = 5
	}
	if c.Server.RetryDelayMillis <= 0 {
		c.Server.RetryDelayMillis = 200
	}
	if c.Server.BaselinePath != "" && !filepath.IsAbs(c.Server.BaselinePath) {
		c.Server.BaselinePath = filepath.Join(baseDir, c.Server.BaselinePath)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Retries <= 0 {
		c.Storage.Retries = 5
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 1
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 1024
	}
	if c.Alerting.WebhookTimeoutMillis <= 0 {
		c.Alerting.WebhookTimeoutMillis = 5000
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if a.Profile.OutputDir == "" {
		a.Profile.OutputDir = c.Runtime.DataDir
	} else if !filepath.IsAbs(a.Profile.OutputDir) {
		a.Profile.OutputDir = filepath.Join(baseDir, a.Profile.OutputDir)
	}
}

// Validate 检查采集参数是否满足协议约束。
func (c *Config) Validate() error {
	a := c.Agent
	if a.ChunkSize <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("chunk_size 必须为正数: %d", a.ChunkSize))
	}
	for _, off := range a.Reveal.Offsets {
		if off < 0 || off >= a.ChunkSize {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("reveal offset %d 超出 chunk 范围 [0,%d)", off, a.ChunkSize))
		}
	}
	if a.Reveal.LeafIndex < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "reveal.leaf_index 不能为负数")
	}
	for _, raw := range c.Server.DeniedHashes {
		if _, err := merkle.ParseHash(raw); err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("denied_hashes 含无效哈希: %s", raw))
		}
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "memory", "mysql":
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的存储驱动: %s", c.Storage.Driver))
	}
	switch strings.ToLower(c.Queue.Driver) {
	case "memory", "redis", "rabbitmq":
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的队列驱动: %s", c.Queue.Driver))
	}
	return nil
}

// Interval 返回同步轮次间隔。
func (a AgentConfig) Interval() time.Duration {
	return time.Duration(a.IntervalSeconds) * time.Second
}

// SendTimeout 返回单次发送的超时时间。
func (a AgentConfig) SendTimeout() time.Duration {
	return time.Duration(a.SendTimeoutMillis) * time.Millisecond
}

// PollInterval 返回轮询判定的间隔。
func (a AgentConfig) PollInterval() time.Duration {
	return time.Duration(a.PollIntervalMillis) * time.Millisecond
}

// RetryDelay 返回 verifier 重新入队前的等待时间。
func (s ServerConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMillis) * time.Millisecond
}

// DeniedLeaves 解析 DeniedHashes，Validate 已保证格式正确。
func (s ServerConfig) DeniedLeaves() []merkle.Hash {
	out := make([]merkle.Hash, 0, len(s.DeniedHashes))
	for _, raw := range s.DeniedHashes {
		if h, err := merkle.ParseHash(raw); err == nil {
			out = append(out, h)
		}
	}
	return out
}

// BaseBackoff 返回首次重试前的等待时间。
func (r RetryConfig) BaseBackoff() time.Duration {
	return time.Duration(r.BaseBackoffMillis) * time.Millisecond
}

// MaxBackoff 返回退避上限。
func (r RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMillis) * time.Millisecond
}

// Cooldown 返回熔断打开后的冷却时间。
func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

// Interval 返回两次采样之间的间隔。
func (p ProfileConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMillis) * time.Millisecond
}

// BlockWait 返回 BRPOP 的阻塞时间。
func (r RedisConfig) BlockWait() time.Duration {
	return time.Duration(r.BlockWaitSeconds) * time.Second
}

// WebhookTimeout 返回告警 webhook 的超时时间。
func (a AlertingConfig) WebhookTimeout() time.Duration {
	return time.Duration(a.WebhookTimeoutMillis) * time.Millisecond
}
