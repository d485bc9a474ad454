package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

var (
	ErrMissingConfig = errors.New("missing required configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// 环境变量名, 优先级高于配置文件
const (
	EnvSourceRPCURL       = "L3_RPC_URL"
	EnvDestinationRPCURL  = "L2_RPC_URL"
	EnvSourceContract     = "L3_CONTRACT_ADDRESS"
	EnvDestContract       = "L2_CONTRACT_ADDRESS"
	EnvRelayerPrivateKey  = "RELAYER_PRIVATE_KEY"
	EnvBackfillWindow     = "BACKFILL_WINDOW"
	defaultBackfillWindow = 1000
)

// Config 配置
type Config struct {
	Service     ServiceConfig     `yaml:"service" json:"service"`
	Source      SourceConfig      `yaml:"source" json:"source"`
	Destination DestinationConfig `yaml:"destination" json:"destination"`
	Ledger      LedgerConfig      `yaml:"ledger" json:"ledger"`
	Postgres    PostgresConfig    `yaml:"postgres" json:"postgres"`
	Redis       RedisConfig       `yaml:"redis" json:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka" json:"kafka"`
	Log         LogConfig         `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	GRPCPort int    `yaml:"grpc_port" json:"grpc_port"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// SourceConfig 源链 (L3) 配置
type SourceConfig struct {
	RPCURL                string   `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs         []string `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	ChainID               int64    `yaml:"chain_id" json:"chain_id"`
	ContractAddress       string   `yaml:"contract_address" json:"contract_address"`
	BackfillWindow        *uint64  `yaml:"backfill_window" json:"backfill_window"` // 0 表示只扫描当前块
	MaxBlockRange         uint64   `yaml:"max_block_range" json:"max_block_range"`
	PollIntervalMs        int      `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	ResubscribeIntervalMs int      `yaml:"resubscribe_interval_ms" json:"resubscribe_interval_ms"`
}

// PollInterval 轮询间隔
func (c SourceConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ResubscribeInterval 订阅重建间隔
func (c SourceConfig) ResubscribeInterval() time.Duration {
	return time.Duration(c.ResubscribeIntervalMs) * time.Millisecond
}

// DestinationConfig 目标链 (L2) 配置
type DestinationConfig struct {
	RPCURL                string   `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs         []string `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	ChainID               int64    `yaml:"chain_id" json:"chain_id"`
	ContractAddress       string   `yaml:"contract_address" json:"contract_address"`
	PrivateKey            string   `yaml:"private_key" json:"-"`
	Confirmations         uint64   `yaml:"confirmations" json:"confirmations"`
	GasLimit              uint64   `yaml:"gas_limit" json:"gas_limit"`
	MaxGasPriceGwei       int64    `yaml:"max_gas_price_gwei" json:"max_gas_price_gwei"`
	ReceiptPollIntervalMs int      `yaml:"receipt_poll_interval_ms" json:"receipt_poll_interval_ms"`
	ReceiptTimeoutS       int      `yaml:"receipt_timeout_s" json:"receipt_timeout_s"`
}

// ReceiptPollInterval 回执轮询间隔
func (c DestinationConfig) ReceiptPollInterval() time.Duration {
	return time.Duration(c.ReceiptPollIntervalMs) * time.Millisecond
}

// ReceiptTimeout 回执等待超时
func (c DestinationConfig) ReceiptTimeout() time.Duration {
	return time.Duration(c.ReceiptTimeoutS) * time.Second
}

// LedgerConfig 去重账本配置
type LedgerConfig struct {
	Driver    string `yaml:"driver" json:"driver"` // memory, redis, postgres
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"-"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// DSN 返回连接串
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Database)
}

// RedisConfig Redis 配置
// 配置了地址时 nonce 管理使用 Redis
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"-"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// Enabled 是否配置了 Redis
func (c RedisConfig) Enabled() bool {
	return len(c.Addresses) > 0 && c.Addresses[0] != ""
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Brokers  []string `yaml:"brokers" json:"brokers"`
	ClientID string   `yaml:"client_id" json:"client_id"`
	Topic    string   `yaml:"topic" json:"topic"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
// 配置文件不存在时只使用环境变量
func Load(configPath string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		content := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// applyEnvOverrides 环境变量优先于配置文件
func applyEnvOverrides(cfg *Config) {
	cfg.Source.RPCURL = GetEnvString(EnvSourceRPCURL, cfg.Source.RPCURL)
	cfg.Destination.RPCURL = GetEnvString(EnvDestinationRPCURL, cfg.Destination.RPCURL)
	cfg.Source.ContractAddress = GetEnvString(EnvSourceContract, cfg.Source.ContractAddress)
	cfg.Destination.ContractAddress = GetEnvString(EnvDestContract, cfg.Destination.ContractAddress)
	cfg.Destination.PrivateKey = GetEnvString(EnvRelayerPrivateKey, cfg.Destination.PrivateKey)
	if window := GetEnvInt(EnvBackfillWindow, -1); window >= 0 {
		w := uint64(window)
		cfg.Source.BackfillWindow = &w
	}
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "eidos-bridge"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50058
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 9098
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Source.BackfillWindow == nil {
		w := uint64(defaultBackfillWindow)
		cfg.Source.BackfillWindow = &w
	}
	if cfg.Source.MaxBlockRange == 0 {
		cfg.Source.MaxBlockRange = 1000
	}
	if cfg.Source.PollIntervalMs == 0 {
		cfg.Source.PollIntervalMs = 3000
	}
	if cfg.Source.ResubscribeIntervalMs == 0 {
		cfg.Source.ResubscribeIntervalMs = 5000
	}

	if cfg.Destination.Confirmations == 0 {
		cfg.Destination.Confirmations = 1
	}
	if cfg.Destination.GasLimit == 0 {
		cfg.Destination.GasLimit = 300_000
	}
	if cfg.Destination.MaxGasPriceGwei == 0 {
		cfg.Destination.MaxGasPriceGwei = 500
	}
	if cfg.Destination.ReceiptPollIntervalMs == 0 {
		cfg.Destination.ReceiptPollIntervalMs = 2000
	}
	if cfg.Destination.ReceiptTimeoutS == 0 {
		cfg.Destination.ReceiptTimeoutS = 300
	}

	if cfg.Ledger.Driver == "" {
		cfg.Ledger.Driver = "memory"
	}
	if cfg.Ledger.KeyPrefix == "" {
		cfg.Ledger.KeyPrefix = "eidos:bridge"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 10
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 2
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}

	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "bridge-redeem-outcomes"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// MissingKeys 返回缺失的必填项
func (c *Config) MissingKeys() []string {
	var missing []string
	check := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}

	check(c.Source.RPCURL, EnvSourceRPCURL)
	check(c.Destination.RPCURL, EnvDestinationRPCURL)
	check(c.Source.ContractAddress, EnvSourceContract)
	check(c.Destination.ContractAddress, EnvDestContract)
	check(c.Destination.PrivateKey, EnvRelayerPrivateKey)

	return missing
}

// Validate 校验配置
func (c *Config) Validate() error {
	if missing := c.MissingKeys(); len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	if !common.IsHexAddress(c.Source.ContractAddress) {
		return fmt.Errorf("%w: source contract address %q", ErrInvalidConfig, c.Source.ContractAddress)
	}
	if !common.IsHexAddress(c.Destination.ContractAddress) {
		return fmt.Errorf("%w: destination contract address %q", ErrInvalidConfig, c.Destination.ContractAddress)
	}

	switch c.Ledger.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			return fmt.Errorf("%w: redis ledger requires redis.addresses", ErrInvalidConfig)
		}
	case "postgres":
		if c.Postgres.Host == "" {
			return fmt.Errorf("%w: postgres ledger requires postgres.host", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown ledger driver %q", ErrInvalidConfig, c.Ledger.Driver)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: kafka enabled without brokers", ErrInvalidConfig)
	}

	return nil
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
