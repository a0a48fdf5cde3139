package config

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	configHolder atomic.Value
	backend      = "consul"
	backendAddr  = "127.0.0.1:8500"
	backendPath  = "development" // e.g., trustwork/<env>/<service_name>
	configType   = "yaml"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Metrics        bool   `mapstructure:"METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Kafka struct {
		Addrs string `mapstructure:"ADDR"`
		Topic string `mapstructure:"TOPIC"`
	} `mapstructure:"KAFKA"`
	AccessControl struct {
		Model  string `mapstructure:"MODEL"`
		Policy string `mapstructure:"POLICY"`
	} `mapstructure:"ACCESS_CONTROL"`
	Auth struct {
		JWTSecret        string `mapstructure:"JWT_SECRET"`
		Issuer           string `mapstructure:"ISSUER"`
		BootstrapAdminID string `mapstructure:"BOOTSTRAP_ADMIN_ID"`
	} `mapstructure:"AUTH"`
	Minio struct {
		Endpoint         string `mapstructure:"ENDPOINT"`
		AccessKey        string `mapstructure:"ACCESS_KEY"`
		SecretKey        string `mapstructure:"SECRET_KEY"`
		Secure           bool   `mapstructure:"SECURE"`
		ResumeBucket     string `mapstructure:"RESUME_BUCKET"`
		AttachmentBucket string `mapstructure:"ATTACHMENT_BUCKET"`
		MessageBucket    string `mapstructure:"MESSAGE_BUCKET"`
	} `mapstructure:"MINIO"`
	Gateway struct {
		Endpoint      string        `mapstructure:"ENDPOINT"`
		APIKey        string        `mapstructure:"API_KEY"`
		WebhookSecret string        `mapstructure:"WEBHOOK_SECRET"`
		Timeout       time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"GATEWAY"`
	Engine Engine `mapstructure:"ENGINE"`
}

// Engine holds the business knobs of the assignment lifecycle and escrow engine.
type Engine struct {
	PlatformFeeRate           float64 `mapstructure:"PLATFORM_FEE_RATE"`
	Currency                  string  `mapstructure:"CURRENCY"`
	ReviewWindowDays          int     `mapstructure:"REVIEW_WINDOW_DAYS"`
	DisputeResponseDays       int     `mapstructure:"DISPUTE_RESPONSE_DAYS"`
	SkillTestCooldownDays     int     `mapstructure:"SKILL_TEST_COOLDOWN_DAYS"`
	SkillTestPassingScore     int     `mapstructure:"SKILL_TEST_PASSING_SCORE"`
	SkillTestTimeLimitMinutes int     `mapstructure:"SKILL_TEST_TIME_LIMIT_MINUTES"`
	SkillTestGraceSeconds     int     `mapstructure:"SKILL_TEST_GRACE_SECONDS"`
	MaxRevisionsPerMilestone  int     `mapstructure:"MAX_REVISIONS_PER_MILESTONE"`
	PayoutMaxRetry            int     `mapstructure:"PAYOUT_MAX_RETRY"`
}

// DefaultEngine returns the documented defaults.
func DefaultEngine() Engine {
	return Engine{
		PlatformFeeRate:           0.10,
		Currency:                  "USD",
		ReviewWindowDays:          30,
		DisputeResponseDays:       7,
		SkillTestCooldownDays:     7,
		SkillTestPassingScore:     70,
		SkillTestTimeLimitMinutes: 30,
		SkillTestGraceSeconds:     30,
		MaxRevisionsPerMilestone:  3,
		PayoutMaxRetry:            5,
	}
}

func (e Engine) ReviewWindow() time.Duration {
	return days(e.ReviewWindowDays)
}

func (e Engine) DisputeResponseWindow() time.Duration {
	return days(e.DisputeResponseDays)
}

func (e Engine) SkillTestCooldown() time.Duration {
	return days(e.SkillTestCooldownDays)
}

func (e Engine) SkillTestTimeLimit() time.Duration {
	return time.Duration(e.SkillTestTimeLimitMinutes) * time.Minute
}

func (e Engine) SkillTestGrace() time.Duration {
	return time.Duration(e.SkillTestGraceSeconds) * time.Second
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

var Module = fx.Module("config", fx.Provide(LoadConfig))
var RemoteModule = fx.Module("remote.config", fx.Provide(LoadRemote))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	d := DefaultEngine()
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "trustwork-engine")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 5*time.Second)
	v.SetDefault("KAFKA.TOPIC", "trustwork.events")
	v.SetDefault("MINIO.RESUME_BUCKET", "resumes")
	v.SetDefault("MINIO.ATTACHMENT_BUCKET", "attachments")
	v.SetDefault("MINIO.MESSAGE_BUCKET", "message-attachments")
	v.SetDefault("GATEWAY.TIMEOUT", 10*time.Second)
	v.SetDefault("ENGINE.PLATFORM_FEE_RATE", d.PlatformFeeRate)
	v.SetDefault("ENGINE.CURRENCY", d.Currency)
	v.SetDefault("ENGINE.REVIEW_WINDOW_DAYS", d.ReviewWindowDays)
	v.SetDefault("ENGINE.DISPUTE_RESPONSE_DAYS", d.DisputeResponseDays)
	v.SetDefault("ENGINE.SKILL_TEST_COOLDOWN_DAYS", d.SkillTestCooldownDays)
	v.SetDefault("ENGINE.SKILL_TEST_PASSING_SCORE", d.SkillTestPassingScore)
	v.SetDefault("ENGINE.SKILL_TEST_TIME_LIMIT_MINUTES", d.SkillTestTimeLimitMinutes)
	v.SetDefault("ENGINE.SKILL_TEST_GRACE_SECONDS", d.SkillTestGraceSeconds)
	v.SetDefault("ENGINE.MAX_REVISIONS_PER_MILESTONE", d.MaxRevisionsPerMilestone)
	v.SetDefault("ENGINE.PAYOUT_MAX_RETRY", d.PayoutMaxRetry)
}

// Load reads config.yaml (optional) from path and overlays environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType(configType)
	v.AddConfigPath(path)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func LoadConfig(p Params) *Config {
	cfg, err := Load(".")
	if err != nil {
		zap.L().Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		applyVaultSecrets(p.Vault, cfg)
	}

	return cfg
}

func LoadRemote(p Params) *Config {
	if p.Vault == nil {
		zap.L().Error("vault can't provide")
		os.Exit(1)
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		backend = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		backendAddr = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		backendPath = v
	}

	remote := viper.New()
	setDefaults(remote)
	remote.SetConfigType(configType)
	if err := remote.AddRemoteProvider(backend, backendAddr, backendPath); err != nil {
		os.Exit(1)
	}

	if err := remote.ReadRemoteConfig(); err != nil {
		os.Exit(1)
	}

	var cfg Config
	if err := remote.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}
	configHolder.Store(&cfg)

	go func() {
		for {
			time.Sleep(time.Second * 5)

			if err := remote.WatchRemoteConfig(); err != nil {
				zap.L().Error("unable to read remote config", zap.Error(err))
				continue
			}

			var newcfg Config
			if err := remote.Unmarshal(&newcfg); err != nil {
				continue
			}
			configHolder.Store(&newcfg)
		}
	}()

	applyVaultSecrets(p.Vault, &cfg)

	return &cfg
}

// Current returns the latest remotely watched config, nil when running from a local file.
func Current() *Config {
	if v, ok := configHolder.Load().(*Config); ok {
		return v
	}
	return nil
}

func applyVaultSecrets(client *vault.Client, cfg *Config) {
	ctx := context.Background()

	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Success Get Secret")

	get := func(key string) string {
		if val, ok := secret.Data.Data[key].(string); ok {
			return val
		}
		return ""
	}

	cfg.Database.User = get("postgres_user")
	cfg.Database.Password = get("postgres_password")
	cfg.Redis.Password = get("redis_password")
	cfg.Auth.JWTSecret = get("jwt_secret")
	cfg.Gateway.APIKey = get("gateway_api_key")
	cfg.Gateway.WebhookSecret = get("gateway_webhook_secret")
	cfg.Minio.SecretKey = get("minio_secret_key")
}
