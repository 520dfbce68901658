package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"IntentMesh/internal/auth"
	"IntentMesh/pkg/logger"
)

// EnvPath 指定配置文件路径的环境变量。
const EnvPath = "INTENTMESH_CONFIG"

// DefaultPath 是未设置环境变量时读取的配置文件。
const DefaultPath = "configs/intentmesh.yaml"

// Config 描述了节点在启动阶段需要加载的全部配置。
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Server      ServerConfig      `yaml:"server"`
	Log         logger.Config     `yaml:"log"`
	Mesh        MeshConfig        `yaml:"mesh"`
	Lifecycle   LifecycleConfig   `yaml:"lifecycle"`
	Proof       ProofConfig       `yaml:"proof"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Settlement  SettlementConfig  `yaml:"settlement"`
	Notify      NotifyConfig      `yaml:"notify"`
}

// NodeConfig 描述本地节点身份。ID 为空时由 KeyFile 推导出 peer id。
type NodeConfig struct {
	ID      string `yaml:"id"`
	KeyFile string `yaml:"key_file"`
	DataDir string `yaml:"data_dir"`
}

// ServerConfig 控制 HTTP 控制面的监听参数。
type ServerConfig struct {
	Address         string   `yaml:"address"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	Metrics         bool     `yaml:"metrics"`

	// APITokens 为空时控制面不做认证。
	APITokens []auth.TokenConfig `yaml:"api_tokens"`
}

// MeshConfig 描述点对点传输层。
type MeshConfig struct {
	Driver          string   `yaml:"driver"`
	ListenAddrs     []string `yaml:"listen_addrs"`
	BootstrapPeers  []string `yaml:"bootstrap_peers"`
	MDNS            bool     `yaml:"mdns"`
	RendezvousTag   string   `yaml:"rendezvous_tag"`
	MaxHops         int      `yaml:"max_hops"`
	MaxMessageBytes int64    `yaml:"max_message_bytes"`
	SeenCacheSize   int      `yaml:"seen_cache_size"`
	InboundBuffer   int      `yaml:"inbound_buffer"`
	RelayFee        string   `yaml:"relay_fee"`
}

// LifecycleConfig 控制意图生命周期中每个步骤的超时与重试策略。
type LifecycleConfig struct {
	ProofTimeout      Duration         `yaml:"proof_timeout"`
	BroadcastTimeout  Duration         `yaml:"broadcast_timeout"`
	BroadcastRetries  int              `yaml:"broadcast_retries"`
	BroadcastBackoff  Duration         `yaml:"broadcast_backoff"`
	VerifyTimeout     Duration         `yaml:"verify_timeout"`
	PolicyTimeout     Duration         `yaml:"policy_timeout"`
	SettlementTimeout Duration         `yaml:"settlement_timeout"`
	MatchTimeout      Duration         `yaml:"match_timeout"`
	SettlementWait    Duration         `yaml:"settlement_wait"`
	TerminalGrace     Duration         `yaml:"terminal_grace"`
	RetiredTTL        Duration         `yaml:"retired_ttl"`
	OrphanTTL         Duration         `yaml:"orphan_ttl"`
	OrphanLimit       int              `yaml:"orphan_limit"`
	SweepInterval     Duration         `yaml:"sweep_interval"`
	DefaultBalance    int64            `yaml:"default_balance"`
	AutoAccept        AutoAcceptConfig `yaml:"auto_accept"`
}

// AutoAcceptConfig 决定 Deciding 状态是否无需人工确认即进入结算。
type AutoAcceptConfig struct {
	Originator   bool `yaml:"originator"`
	Counterparty bool `yaml:"counterparty"`
}

// ProofConfig 选择证明引擎。
type ProofConfig struct {
	Engine string      `yaml:"engine"`
	Nargo  NargoConfig `yaml:"nargo"`
}

// NargoConfig 描述通过外部 nargo 可执行文件生成证明时所需的信息。
type NargoConfig struct {
	Binary     string `yaml:"binary"`
	ProjectDir string `yaml:"project_dir"`
	ProofName  string `yaml:"proof_name"`
}

// NegotiationConfig 描述作为对手方时的报价策略。
type NegotiationConfig struct {
	DefaultFloor int64            `yaml:"default_floor"`
	Floors       map[string]int64 `yaml:"floors"`
	Advisor      AdvisorConfig    `yaml:"advisor"`
}

// AdvisorConfig 描述可选的大模型报价顾问。
type AdvisorConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Endpoint string   `yaml:"endpoint"`
	Model    string   `yaml:"model"`
	APIKey   string   `yaml:"api_key"`
	Timeout  Duration `yaml:"timeout"`
}

// SettlementConfig 描述结算适配器与编排参数。
type SettlementConfig struct {
	Driver           string    `yaml:"driver"`
	Recipient        string    `yaml:"recipient"`
	RatePerSecond    float64   `yaml:"rate_per_second"`
	Burst            int       `yaml:"burst"`
	TransferAttempts int       `yaml:"transfer_attempts"`
	FinalizeAttempts int       `yaml:"finalize_attempts"`
	RetryBackoff     Duration  `yaml:"retry_backoff"`
	ConfirmPoll      Duration  `yaml:"confirm_poll"`
	ConfirmTimeout   Duration  `yaml:"confirm_timeout"`
	Retention        Duration  `yaml:"retention"`
	EVM              EVMConfig `yaml:"evm"`
}

// EVMConfig 包含访问 EVM 兼容链所需的参数。
type EVMConfig struct {
	RPCURL            string `yaml:"rpc_url"`
	ChainID           int64  `yaml:"chain_id"`
	PrivateKeyHex     string `yaml:"private_key_hex"`
	CommitmentAddress string `yaml:"commitment_address"`
	WeiPerUnit        string `yaml:"wei_per_unit"`
	GasLimit          uint64 `yaml:"gas_limit"`
}

// NotifyConfig 描述状态变更通知的保留与外部投递。
type NotifyConfig struct {
	HistorySize      int            `yaml:"history_size"`
	SubscriberBuffer int            `yaml:"subscriber_buffer"`
	ForwardBuffer    int            `yaml:"forward_buffer"`
	ForwardAttempts  int            `yaml:"forward_attempts"`
	ForwardBackoff   Duration       `yaml:"forward_backoff"`
	Redis            RedisConfig    `yaml:"redis"`
	RabbitMQ         RabbitMQConfig `yaml:"rabbitmq"`
	MySQL            MySQLConfig    `yaml:"mysql"`
	Alerts           AlertsConfig   `yaml:"alerts"`
}

// RedisConfig 描述 Redis 通知转发。
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	ListKey  string `yaml:"list_key"`
	Channel  string `yaml:"channel"`
	MaxLen   int64  `yaml:"max_len"`
}

// RabbitMQConfig 描述 RabbitMQ 通知转发。
type RabbitMQConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// MySQLConfig 描述宿主侧的通知流水表。
type MySQLConfig struct {
	Enabled         bool     `yaml:"enabled"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// AlertsConfig 控制终态失败的告警通道。
type AlertsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	WebhookURL string   `yaml:"webhook_url"`
	Timeout    Duration `yaml:"timeout"`
}

// Duration 允许在 YAML 中使用 "5s"、"2m" 这样的写法。
type Duration time.Duration

// Std 返回标准库 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML 实现 yaml.Unmarshaler，整数按秒解析。
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var seconds int64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration %q", raw)
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// MarshalYAML 输出可读的时长字符串。
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// PathFromEnv 返回环境变量指定的配置路径或默认路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件。
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
		return nil, err
	}
	return cfg, nil
}

// Parse 解析配置内容，相对路径以 baseDir 为基准。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回仅由默认值组成的配置，常用于测试与单节点模式。
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(".")
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Node.DataDir == "" {
		c.Node.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Node.DataDir) {
		c.Node.DataDir = filepath.Join(baseDir, c.Node.DataDir)
	}
	if c.Node.ID == "" && c.Node.KeyFile == "" {
		c.Node.KeyFile = filepath.Join(c.Node.DataDir, "node.key")
	} else if c.Node.KeyFile != "" && !filepath.IsAbs(c.Node.KeyFile) {
		c.Node.KeyFile = filepath.Join(baseDir, c.Node.KeyFile)
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 15*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 10*time.Second)

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path == "" {
		c.Log.Audit.Path = filepath.Join(c.Node.DataDir, "audit.log")
	}

	if c.Mesh.Driver == "" {
		c.Mesh.Driver = "libp2p"
	}
	if len(c.Mesh.ListenAddrs) == 0 {
		c.Mesh.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	if c.Mesh.RendezvousTag == "" {
		c.Mesh.RendezvousTag = "intentmesh"
	}
	setInt(&c.Mesh.MaxHops, 3)
	if c.Mesh.MaxMessageBytes <= 0 {
		c.Mesh.MaxMessageBytes = 1 << 20
	}
	setInt(&c.Mesh.SeenCacheSize, 4096)
	setInt(&c.Mesh.InboundBuffer, 256)
	if c.Mesh.RelayFee == "" {
		c.Mesh.RelayFee = "0.001 SOL"
	}

	lc := &c.Lifecycle
	setDuration(&lc.ProofTimeout, 30*time.Second)
	setDuration(&lc.BroadcastTimeout, 5*time.Second)
	setInt(&lc.BroadcastRetries, 3)
	setDuration(&lc.BroadcastBackoff, 500*time.Millisecond)
	setDuration(&lc.VerifyTimeout, 10*time.Second)
	setDuration(&lc.PolicyTimeout, 10*time.Second)
	setDuration(&lc.SettlementTimeout, 2*time.Minute)
	setDuration(&lc.MatchTimeout, 2*time.Minute)
	setDuration(&lc.SettlementWait, 5*time.Minute)
	setDuration(&lc.TerminalGrace, 30*time.Second)
	setDuration(&lc.RetiredTTL, 10*time.Minute)
	setDuration(&lc.OrphanTTL, 30*time.Second)
	setInt(&lc.OrphanLimit, 1024)
	setDuration(&lc.SweepInterval, 5*time.Second)

	if c.Proof.Engine == "" {
		c.Proof.Engine = "digest"
	}
	if c.Proof.Nargo.Binary == "" {
		c.Proof.Nargo.Binary = "nargo"
	}
	if c.Proof.Nargo.ProofName == "" {
		c.Proof.Nargo.ProofName = "intent"
	}
	if c.Proof.Nargo.ProjectDir != "" && !filepath.IsAbs(c.Proof.Nargo.ProjectDir) {
		c.Proof.Nargo.ProjectDir = filepath.Join(baseDir, c.Proof.Nargo.ProjectDir)
	}

	if c.Negotiation.Floors == nil {
		c.Negotiation.Floors = map[string]int64{}
	}
	if c.Negotiation.Advisor.Endpoint == "" {
		c.Negotiation.Advisor.Endpoint = "http://localhost:11434/v1"
	}
	if c.Negotiation.Advisor.Model == "" {
		c.Negotiation.Advisor.Model = "llama3"
	}
	setDuration(&c.Negotiation.Advisor.Timeout, 20*time.Second)

	st := &c.Settlement
	if st.Driver == "" {
		st.Driver = "memory"
	}
	if st.RatePerSecond <= 0 {
		st.RatePerSecond = 5
	}
	setInt(&st.Burst, 1)
	setInt(&st.TransferAttempts, 3)
	setInt(&st.FinalizeAttempts, 5)
	setDuration(&st.RetryBackoff, time.Second)
	setDuration(&st.ConfirmPoll, 2*time.Second)
	setDuration(&st.ConfirmTimeout, 2*time.Minute)
	setDuration(&st.Retention, time.Hour)
	if st.EVM.GasLimit == 0 {
		st.EVM.GasLimit = 60000
	}
	if st.EVM.WeiPerUnit == "" {
		st.EVM.WeiPerUnit = "1000000000"
	}

	nc := &c.Notify
	setInt(&nc.HistorySize, 1024)
	setInt(&nc.SubscriberBuffer, 64)
	setInt(&nc.ForwardBuffer, 256)
	setInt(&nc.ForwardAttempts, 3)
	setDuration(&nc.ForwardBackoff, 200*time.Millisecond)
	if nc.Redis.ListKey == "" {
		nc.Redis.ListKey = "intentmesh:notifications"
	}
	if nc.Redis.Channel == "" {
		nc.Redis.Channel = "intentmesh.notifications"
	}
	if nc.Redis.MaxLen <= 0 {
		nc.Redis.MaxLen = 10000
	}
	if nc.RabbitMQ.Exchange == "" {
		nc.RabbitMQ.Exchange = "intentmesh.notifications"
	}
	if nc.RabbitMQ.RoutingKey == "" {
		nc.RabbitMQ.RoutingKey = "intent.transition"
	}
	setInt(&nc.MySQL.MaxOpenConns, 10)
	setInt(&nc.MySQL.MaxIdleConns, 5)
	setDuration(&nc.MySQL.ConnMaxLifetime, 30*time.Minute)
	setDuration(&nc.Alerts.Timeout, 5*time.Second)
}

// Validate 检查配置项之间的组合是否合法。
func (c *Config) Validate() error {
	var problems []string

	switch c.Mesh.Driver {
	case "libp2p", "memory":
	default:
		problems = append(problems, fmt.Sprintf("mesh.driver %q 不受支持", c.Mesh.Driver))
	}
	switch c.Proof.Engine {
	case "digest", "nargo":
	default:
		problems = append(problems, fmt.Sprintf("proof.engine %q 不受支持", c.Proof.Engine))
	}
	switch c.Settlement.Driver {
	case "memory":
	case "evm":
		if c.Settlement.EVM.RPCURL == "" {
			problems = append(problems, "settlement.evm.rpc_url 不能为空")
		}
		if c.Settlement.EVM.PrivateKeyHex == "" {
			problems = append(problems, "settlement.evm.private_key_hex 不能为空")
		}
		if c.Settlement.EVM.ChainID <= 0 {
			problems = append(problems, "settlement.evm.chain_id 必须为正数")
		}
	default:
		problems = append(problems, fmt.Sprintf("settlement.driver %q 不受支持", c.Settlement.Driver))
	}
	if c.Negotiation.DefaultFloor < 0 {
		problems = append(problems, "negotiation.default_floor 不能为负数")
	}
	for asset, floor := range c.Negotiation.Floors {
		if floor < 0 {
			problems = append(problems, fmt.Sprintf("negotiation.floors[%s] 不能为负数", asset))
		}
	}
	if c.Notify.Redis.Enabled && c.Notify.Redis.Addr == "" {
		problems = append(problems, "notify.redis.addr 不能为空")
	}
	if c.Notify.RabbitMQ.Enabled && c.Notify.RabbitMQ.URL == "" {
		problems = append(problems, "notify.rabbitmq.url 不能为空")
	}
	if c.Notify.MySQL.Enabled && c.Notify.MySQL.DSN == "" {
		problems = append(problems, "notify.mysql.dsn 不能为空")
	}
	if c.Notify.Alerts.Enabled && c.Notify.Alerts.WebhookURL == "" {
		problems = append(problems, "notify.alerts.webhook_url 不能为空")
	}

	if len(problems) > 0 {
		return fmt.Errorf("配置校验失败: %s", strings.Join(problems, "; "))
	}
	return nil
}

// setDuration 仅填充未设置的时长，负数表示显式关闭。
func setDuration(target *Duration, fallback time.Duration) {
	if *target == 0 {
		*target = Duration(fallback)
	}
}

func setInt(target *int, fallback int) {
	if *target <= 0 {
		*target = fallback
	}
}
