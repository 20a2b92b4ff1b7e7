package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量覆盖配置时使用的前缀，例如 SAFERELAY_SERVER_ADDRESS。
const EnvPrefix = "SAFERELAY"

// Config 描述了中继服务在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Web3     Web3Config     `mapstructure:"web3"`
	Safe     SafeConfig     `mapstructure:"safe"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Log      LogConfig      `mapstructure:"log"`
	Alerting AlertingConfig `mapstructure:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `mapstructure:"address"`
	// MetricsAddress 非空时单独暴露 /metrics，否则挂在 API 服务上。
	MetricsAddress string `mapstructure:"metrics_address"`
	// APITokens 以调用方名称为键，为空时 API 不做认证。
	APITokens map[string]string `mapstructure:"api_tokens"`
}

// Web3Config 包含访问区块链节点所需的参数。
type Web3Config struct {
	ChainConfig    string        `mapstructure:"chain_config"`
	DefaultChain   string        `mapstructure:"default_chain"`
	RPCURL         string        `mapstructure:"rpc_url"`
	Confirmations  uint64        `mapstructure:"confirmations"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ReceiptTimeout time.Duration `mapstructure:"receipt_timeout"`
}

// SafeConfig 对应交易引擎的可调参数。
type SafeConfig struct {
	GasStrategy    string               `mapstructure:"gas_strategy"`
	SafetyMargin   uint64               `mapstructure:"safety_margin"`
	Ladder         []uint64             `mapstructure:"ladder"`
	DomainChainID  bool                 `mapstructure:"domain_chain_id"`
	VerifyOnChain  bool                 `mapstructure:"verify_on_chain"`
	MaxReestimates int                  `mapstructure:"max_reestimates"`
	RelayGasPrice  string               `mapstructure:"relay_gas_price"`
	SignerKeyEnvs  []string             `mapstructure:"signer_key_envs"`
	RemoteSigners  []RemoteSignerConfig `mapstructure:"remote_signers"`
	RelayerKeyEnv  string               `mapstructure:"relayer_key_env"`
	MaxRetries     int                  `mapstructure:"max_retries"`
}

// RemoteSignerConfig 描述通过 eth_signTypedData_v4 签名的外部签名服务。
type RemoteSignerConfig struct {
	URL     string `mapstructure:"url"`
	Address string `mapstructure:"address"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	JobStore JobStoreConfig `mapstructure:"job_store"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// JobStoreConfig 选择中继任务的持久化实现。
type JobStoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// AutoMigrate 为 true 时在启动阶段执行未应用的迁移。
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// RedisConfig 为 Redis 队列和分布式锁共用。
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig 描述任务队列与消费协程。
type QueueConfig struct {
	Driver   string         `mapstructure:"driver"`
	Buffer   int            `mapstructure:"buffer"`
	Workers  int            `mapstructure:"workers"`
	RedisKey string         `mapstructure:"redis_key"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Lock     LockConfig     `mapstructure:"lock"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Queue    string `mapstructure:"queue"`
	Prefetch int    `mapstructure:"prefetch"`
}

// LockConfig 控制同一 Safe 的串行化方式。
type LockConfig struct {
	Driver string        `mapstructure:"driver"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// LogConfig 对应 pkg/logger 的配置。
type LogConfig struct {
	Level   string      `mapstructure:"level"`
	Format  string      `mapstructure:"format"`
	Outputs []string    `mapstructure:"outputs"`
	Audit   AuditConfig `mapstructure:"audit"`
}

// AuditConfig 控制审计日志文件及其轮转。
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// AlertingConfig 配置终态失败的告警出口。
type AlertingConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Load 读取 YAML/JSON 配置文件并叠加 SAFERELAY_* 环境变量。path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	baseDir := "."
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.metrics_address", "")

	v.SetDefault("web3.chain_config", "")
	v.SetDefault("web3.default_chain", "")
	v.SetDefault("web3.rpc_url", "")
	v.SetDefault("web3.confirmations", 1)
	v.SetDefault("web3.poll_interval", time.Second)
	v.SetDefault("web3.receipt_timeout", defaultReceiptTimeout)

	v.SetDefault("safe.gas_strategy", "revert")
	v.SetDefault("safe.safety_margin", 10000)
	v.SetDefault("safe.domain_chain_id", false)
	v.SetDefault("safe.verify_on_chain", true)
	v.SetDefault("safe.max_reestimates", 2)
	v.SetDefault("safe.relay_gas_price", "")
	v.SetDefault("safe.relayer_key_env", "SAFERELAY_RELAYER_KEY")
	v.SetDefault("safe.max_retries", 3)

	v.SetDefault("storage.job_store.driver", "memory")
	v.SetDefault("storage.job_store.dsn", "")
	v.SetDefault("storage.job_store.auto_migrate", true)
	v.SetDefault("storage.redis.address", "")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)

	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.buffer", 256)
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.redis_key", "saferelay:jobs")
	v.SetDefault("queue.rabbitmq.url", "")
	v.SetDefault("queue.rabbitmq.queue", "saferelay.jobs")
	v.SetDefault("queue.rabbitmq.prefetch", 8)
	v.SetDefault("queue.lock.driver", "memory")
	v.SetDefault("queue.lock.ttl", 5*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.audit.enabled", false)
	v.SetDefault("log.audit.path", "")

	v.SetDefault("alerting.webhook_url", "")
	v.SetDefault("alerting.timeout", 5*time.Second)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值，并把相对路径解析到配置文件所在目录。
func (c *Config) applyDefaults(baseDir string) {
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Log.Audit.Enabled {
		if c.Log.Audit.Path == "" {
			c.Log.Audit.Path = filepath.Join(baseDir, "data", "audit.log")
		} else if !filepath.IsAbs(c.Log.Audit.Path) {
			c.Log.Audit.Path = filepath.Join(baseDir, c.Log.Audit.Path)
		}
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 1
	}
	if c.Safe.MaxRetries <= 0 {
		c.Safe.MaxRetries = 1
	}
	c.Storage.JobStore.Driver = strings.ToLower(strings.TrimSpace(c.Storage.JobStore.Driver))
	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	c.Queue.Lock.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Lock.Driver))
	c.Safe.GasStrategy = strings.ToLower(strings.TrimSpace(c.Safe.GasStrategy))
}

// LockHeadroom 是 receipt 等待之外留给估算、签名与广播的时间。
const LockHeadroom = time.Minute

const defaultReceiptTimeout = 2 * time.Minute

// lockBudget 返回 Redis 锁至少需要覆盖的时长，锁在交易确认前过期会让同一 Safe 的两笔交易并发执行。
func (c *Config) lockBudget() time.Duration {
	wait := c.Web3.ReceiptTimeout
	if wait <= 0 {
		wait = defaultReceiptTimeout
	}
	return wait + LockHeadroom
}

// Validate 检查枚举字段与依赖关系。
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.JobStore.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.JobStore.DSN) == "" {
			errs = append(errs, errors.New("storage.job_store.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的任务存储 %q", c.Storage.JobStore.Driver))
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Storage.Redis.Address == "" {
			errs = append(errs, errors.New("redis 队列需要 storage.redis.address"))
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("rabbitmq 队列需要 queue.rabbitmq.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的队列类型 %q", c.Queue.Driver))
	}
	switch c.Queue.Lock.Driver {
	case "memory":
	case "redis":
		if c.Storage.Redis.Address == "" {
			errs = append(errs, errors.New("redis 锁需要 storage.redis.address"))
		}
		if need := c.lockBudget(); c.Queue.Lock.TTL < need {
			errs = append(errs, fmt.Errorf("queue.lock.ttl %s 小于单笔交易的最长耗时 %s (web3.receipt_timeout + %s)",
				c.Queue.Lock.TTL, need, LockHeadroom))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的锁类型 %q", c.Queue.Lock.Driver))
	}
	switch c.Safe.GasStrategy {
	case "revert", "ladder":
	default:
		errs = append(errs, fmt.Errorf("不支持的 gas 估算策略 %q", c.Safe.GasStrategy))
	}
	return errors.Join(errs...)
}
