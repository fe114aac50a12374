package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
)

type Config struct {
	AppEnv        string `mapstructure:"APP_ENV"`
	AppName       string `mapstructure:"APP_NAME"`
	AppVersion    string `mapstructure:"APP_VERSION"`
	SnowflakeNode int64  `mapstructure:"SNOWFLAKE_NODE"`
	TLS           struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`
		// Queries slower than this are logged at warn level; 0 disables it.
		SlowQueryThreshold time.Duration `mapstructure:"SLOW_QUERY_THRESHOLD"`
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
	Relay struct {
		PollInterval  time.Duration `mapstructure:"POLL_INTERVAL"`
		BatchSize     int           `mapstructure:"BATCH_SIZE"`
		Workers       int           `mapstructure:"WORKERS"`
		MaxRetries    int           `mapstructure:"MAX_RETRIES"`
		LockTimeout   time.Duration `mapstructure:"LOCK_TIMEOUT"`
		PurgeInterval time.Duration `mapstructure:"PURGE_INTERVAL"`
		LagThreshold  time.Duration `mapstructure:"LAG_THRESHOLD"`
		MetricsAddr   string        `mapstructure:"METRICS_ADDR"`
	} `mapstructure:"RELAY"`
	Gateway struct {
		BaseURL string        `mapstructure:"BASE_URL"`
		APIKey  string        `mapstructure:"API_KEY"`
		Timeout time.Duration `mapstructure:"TIMEOUT"`
		Sandbox bool          `mapstructure:"SANDBOX"`
	} `mapstructure:"GATEWAY"`
	Idempotency struct {
		Store        string        `mapstructure:"STORE"`
		TTL          time.Duration `mapstructure:"TTL"`
		LockTTL      time.Duration `mapstructure:"LOCK_TTL"`
		WaitTimeout  time.Duration `mapstructure:"WAIT_TIMEOUT"`
		PollInterval time.Duration `mapstructure:"POLL_INTERVAL"`
	} `mapstructure:"IDEMPOTENCY"`
	Escrow struct {
		FeeRate        string `mapstructure:"FEE_RATE"`
		PlatformUserID string `mapstructure:"PLATFORM_USER_ID"`
	} `mapstructure:"ESCROW"`
	Otel struct {
		Enable      bool    `mapstructure:"ENABLE"`
		Exporter    string  `mapstructure:"EXPORTER"`
		Endpoint    string  `mapstructure:"ENDPOINT"`
		Insecure    bool    `mapstructure:"INSECURE"`
		SampleRatio float64 `mapstructure:"SAMPLE_RATIO"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "bountypay")
	v.SetDefault("SNOWFLAKE_NODE", 1)

	v.SetDefault("TLS.ENABLE", false)
	v.SetDefault("TLS.CERT_PATH", "")
	v.SetDefault("TLS.KEY_PATH", "")

	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 10*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 10*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)

	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.HOST", "127.0.0.1")
	v.SetDefault("DATABASE.PORT", "5432")
	v.SetDefault("DATABASE.DBNAME", "bountypay")
	v.SetDefault("DATABASE.USER", "postgres")
	v.SetDefault("DATABASE.PASSWORD", "")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.AUTO_MIGRATE", true)
	v.SetDefault("DATABASE.SLOW_QUERY_THRESHOLD", 200*time.Millisecond)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 10)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 50)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", 30*time.Minute)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME", 5*time.Minute)

	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.PASSWORD", "")
	v.SetDefault("REDIS.DB", 0)
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 4*time.Second)

	v.SetDefault("RELAY.POLL_INTERVAL", 500*time.Millisecond)
	v.SetDefault("RELAY.BATCH_SIZE", 50)
	v.SetDefault("RELAY.WORKERS", 8)
	v.SetDefault("RELAY.MAX_RETRIES", 3)
	v.SetDefault("RELAY.LOCK_TIMEOUT", 2*time.Minute)
	v.SetDefault("RELAY.PURGE_INTERVAL", time.Hour)
	v.SetDefault("RELAY.LAG_THRESHOLD", 5*time.Minute)
	v.SetDefault("RELAY.METRICS_ADDR", "9090")

	v.SetDefault("GATEWAY.BASE_URL", "")
	v.SetDefault("GATEWAY.API_KEY", "")
	v.SetDefault("GATEWAY.TIMEOUT", 10*time.Second)
	v.SetDefault("GATEWAY.SANDBOX", false)

	v.SetDefault("IDEMPOTENCY.STORE", "gorm")
	v.SetDefault("IDEMPOTENCY.TTL", 24*time.Hour)
	v.SetDefault("IDEMPOTENCY.LOCK_TTL", 30*time.Second)
	v.SetDefault("IDEMPOTENCY.WAIT_TIMEOUT", 5*time.Second)
	v.SetDefault("IDEMPOTENCY.POLL_INTERVAL", 50*time.Millisecond)

	v.SetDefault("ESCROW.FEE_RATE", "0.05")
	v.SetDefault("ESCROW.PLATFORM_USER_ID", "platform")

	v.SetDefault("OTEL.ENABLE", false)
	v.SetDefault("OTEL.EXPORTER", "http")
	v.SetDefault("OTEL.ENDPOINT", "localhost:4318")
	v.SetDefault("OTEL.INSECURE", true)
	v.SetDefault("OTEL.SAMPLE_RATIO", 1.0)

	v.SetDefault("PYROSCOPE.ADDR", "")
}

// LoadConfig reads config.yaml from the working directory (or CONFIG_PATH) and
// overlays environment variables, e.g. DATABASE_HOST overrides DATABASE.HOST.
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path, ok := os.LookupEnv("CONFIG_PATH"); ok {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
