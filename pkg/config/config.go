package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/model"
)

type Config struct {
	Server     ServerConfig
	Ledger     LedgerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Runtime    RuntimeConfig
	Kubernetes KubernetesConfig
	Allocator  AllocatorConfig
	Telemetry  TelemetryConfig
	Reconciler ReconcilerConfig
	Lifecycle  LifecycleConfig
	Auth       AuthConfig
	Logging    LoggingConfig
	Quotas     map[string]model.QuotaPolicy `mapstructure:"quotas"`
	Templates  []TemplateConfig             `mapstructure:"templates"`
}

type ServerConfig struct {
	HTTPPort     int           `mapstructure:"http_port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	ExternalHost string        `mapstructure:"external_host"`
}

type LedgerConfig struct {
	Driver     string `mapstructure:"driver"` // file or postgres
	Path       string `mapstructure:"path"`
	BackupDir  string `mapstructure:"backup_dir"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Addresses   []string `mapstructure:"addresses"`
	Password    string   `mapstructure:"password"`
	DB          int      `mapstructure:"db"`
	PoolSize    int      `mapstructure:"pool_size"`
	ClusterMode bool     `mapstructure:"cluster_mode"`
}

type RuntimeConfig struct {
	Driver        string        `mapstructure:"driver"` // docker or kubernetes
	DockerHost    string        `mapstructure:"docker_host"`
	NamePrefix    string        `mapstructure:"name_prefix"`
	CreateTimeout time.Duration `mapstructure:"create_timeout"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

type KubernetesConfig struct {
	InCluster  bool   `mapstructure:"in_cluster"`
	KubeConfig string `mapstructure:"kubeconfig"`
	Namespace  string `mapstructure:"namespace"`
}

type AllocatorConfig struct {
	PortRangeStart          int     `mapstructure:"port_range_start"`
	PortRangeEnd            int     `mapstructure:"port_range_end"`
	GPUCount                int     `mapstructure:"gpu_count"`
	GPUUtilizationThreshold float64 `mapstructure:"gpu_utilization_threshold"`
	MaxGPUsPerRequest       int     `mapstructure:"max_gpus_per_request"`
}

type TelemetryConfig struct {
	CollectorURL string        `mapstructure:"collector_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type ReconcilerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	DefaultOwner string        `mapstructure:"default_owner"`
}

type LifecycleConfig struct {
	AdminUsers []string `mapstructure:"admin_users"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Issuer    string        `mapstructure:"issuer"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type TemplateConfig struct {
	ID             string  `mapstructure:"id"`
	Name           string  `mapstructure:"name"`
	Image          string  `mapstructure:"image"`
	ContainerPorts []int   `mapstructure:"container_ports"`
	DefaultCPU     float64 `mapstructure:"default_cpu"`
	DefaultMemory  int64   `mapstructure:"default_memory_mb"`
	MaxGPUs        int     `mapstructure:"max_gpus"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/erm/")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("ERM")
	viper.AutomaticEnv()

	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.metrics_port", 9091)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.external_host", "localhost")
	viper.SetDefault("ledger.driver", "file")
	viper.SetDefault("ledger.path", "/var/lib/erm/ledger.json")
	viper.SetDefault("ledger.backup_dir", "/var/lib/erm/backups")
	viper.SetDefault("ledger.max_backups", 20)
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("redis.pool_size", 100)
	viper.SetDefault("runtime.driver", "docker")
	viper.SetDefault("runtime.name_prefix", "ailab-env-")
	viper.SetDefault("runtime.create_timeout", "120s")
	viper.SetDefault("runtime.stop_timeout", "30s")
	viper.SetDefault("runtime.retry_attempts", 3)
	viper.SetDefault("runtime.retry_backoff", "2s")
	viper.SetDefault("kubernetes.namespace", "ailab")
	viper.SetDefault("allocator.port_range_start", 8800)
	viper.SetDefault("allocator.port_range_end", 8999)
	viper.SetDefault("allocator.gpu_count", 4)
	viper.SetDefault("allocator.gpu_utilization_threshold", 80.0)
	viper.SetDefault("allocator.max_gpus_per_request", 4)
	viper.SetDefault("telemetry.timeout", "5s")
	viper.SetDefault("reconciler.interval", "60s")
	viper.SetDefault("reconciler.default_owner", "unowned@system")
	viper.SetDefault("auth.token_ttl", "24h")
	viper.SetDefault("auth.issuer", "ailab-erm")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// QuotaPolicies merges configured tier overrides over the shipped defaults.
func (c *Config) QuotaPolicies() map[model.QuotaTier]model.QuotaPolicy {
	policies := model.DefaultQuotaPolicies()
	for tier, policy := range c.Quotas {
		policies[model.QuotaTier(tier)] = policy
	}
	return policies
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
