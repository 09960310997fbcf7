package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ExchangeConfig 交易所接入配置。
// 凭证优先从加密 secretstore 取；这里的明文字段只作本地开发兜底。
type ExchangeConfig struct {
	BaseURL          string        `yaml:"baseUrl" json:"baseUrl"`
	AccessKey        string        `yaml:"accessKey" json:"accessKey"`
	SecretKey        string        `yaml:"secretKey" json:"secretKey"`
	RequestTimeout   Duration `yaml:"requestTimeout" json:"requestTimeout"`
	MaxRetries       int      `yaml:"maxRetries" json:"maxRetries"`
	RetryBase        Duration `yaml:"retryBase" json:"retryBase"`
	PublicPerSecond  int           `yaml:"publicPerSecond" json:"publicPerSecond"`
	PrivatePerSecond int           `yaml:"privatePerSecond" json:"privatePerSecond"`
}

// RiskConfig 风控阈值。零值表示关闭对应规则。
type RiskConfig struct {
	MaxOpenOrders       int     `yaml:"maxOpenOrders" json:"maxOpenOrders"`
	MaxOpenOrdersMarket int     `yaml:"maxOpenOrdersMarket" json:"maxOpenOrdersMarket"`
	MinNotional         float64 `yaml:"minNotional" json:"minNotional"`
	MaxNotional         float64 `yaml:"maxNotional" json:"maxNotional"`
	MaxExposure         float64 `yaml:"maxExposure" json:"maxExposure"`
	DailyLossLimit      float64 `yaml:"dailyLossLimit" json:"dailyLossLimit"`

	BreakerFailures int      `yaml:"breakerFailures" json:"breakerFailures"`
	BreakerWindow   Duration `yaml:"breakerWindow" json:"breakerWindow"`
}

// SchedulerConfig 后台任务周期。
type SchedulerConfig struct {
	ReconcileInterval Duration `yaml:"reconcileInterval" json:"reconcileInterval"`
	SnapshotInterval  Duration `yaml:"snapshotInterval" json:"snapshotInterval"`
	RetentionInterval Duration `yaml:"retentionInterval" json:"retentionInterval"`
	RetainTerminalFor Duration `yaml:"retainTerminalFor" json:"retainTerminalFor"`
}

// Config 应用配置。
type Config struct {
	StatePath   string `yaml:"statePath" json:"statePath"`     // 持久化 JSON 文档路径
	ArchivePath string `yaml:"archivePath" json:"archivePath"` // SQLite 归档库路径（空=关闭归档）
	SecretsPath string `yaml:"secretsPath" json:"secretsPath"` // badger secretstore 路径（空=不用）

	LogLevel string `yaml:"logLevel" json:"logLevel"`
	LogFile  string `yaml:"logFile" json:"logFile"`
	LogJSON  bool   `yaml:"logJson" json:"logJson"`

	OpsListen   string `yaml:"opsListen" json:"opsListen"`     // 运维端点（空=关闭）
	DebugListen string `yaml:"debugListen" json:"debugListen"` // expvar/pprof（空=关闭）

	DryRun bool `yaml:"dryRun" json:"dryRun"`

	Exchange  ExchangeConfig  `yaml:"exchange" json:"exchange"`
	Risk      RiskConfig      `yaml:"risk" json:"risk"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
}

// Default 缺省配置。
func Default() Config {
	return Config{
		StatePath: "data/state.json",
		LogLevel:  "info",
		Exchange: ExchangeConfig{
			BaseURL:          "https://api.upbit.com",
			RequestTimeout:   seconds(10),
			MaxRetries:       3,
			RetryBase:        Duration{100 * time.Millisecond},
			PublicPerSecond:  10,
			PrivatePerSecond: 8,
		},
		Risk: RiskConfig{
			MaxOpenOrders:   20,
			MinNotional:     5000,
			BreakerFailures: 5,
			BreakerWindow:   seconds(60),
		},
		Scheduler: SchedulerConfig{
			ReconcileInterval: seconds(30),
			SnapshotInterval:  Duration{5 * time.Minute},
			RetentionInterval: Duration{time.Hour},
			RetainTerminalFor: Duration{72 * time.Hour},
		},
	}
}

// Load 读取配置文件（.yaml/.yml/.json），套用缺省值并应用环境变量覆盖。
// path 为空时只用缺省值 + 环境变量。
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "read config %s", path)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, errors.Wrap(err, "parse yaml config")
			}
		case ".json":
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, errors.Wrap(err, "parse json config")
			}
		default:
			return cfg, errors.Errorf("unsupported config format: %s", path)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, cfg.Validate()
}

// Validate 基本校验。
func (c Config) Validate() error {
	if strings.TrimSpace(c.StatePath) == "" {
		return errors.New("statePath 不能为空")
	}
	if strings.TrimSpace(c.Exchange.BaseURL) == "" {
		return errors.New("exchange.baseUrl 不能为空")
	}
	return nil
}

// applyEnvOverrides 环境变量覆盖（部署时的敏感项/开关）。
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GOTRADER_STATE_PATH"); v != "" {
		cfg.StatePath = v
	}
	if v := os.Getenv("GOTRADER_EXCHANGE_BASE_URL"); v != "" {
		cfg.Exchange.BaseURL = v
	}
	if v := os.Getenv("GOTRADER_ACCESS_KEY"); v != "" {
		cfg.Exchange.AccessKey = v
	}
	if v := os.Getenv("GOTRADER_SECRET_KEY"); v != "" {
		cfg.Exchange.SecretKey = v
	}
	if v := os.Getenv("GOTRADER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GOTRADER_OPS_LISTEN"); v != "" {
		cfg.OpsListen = v
	}
	if v := os.Getenv("GOTRADER_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DryRun = b
		}
	}
}
