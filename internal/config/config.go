// Package config loads service settings from defaults, an optional
// config.yaml, an optional .env file and IMPORTER_* environment variables,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"import-worker-service/internal/ingest"
)

const EnvPrefix = "IMPORTER"

type Config struct {
	Env      string         `mapstructure:"env"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	AWS      AWSConfig      `mapstructure:"aws"`
	Channel  ChannelConfig  `mapstructure:"channel"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Import   ImportConfig   `mapstructure:"import"`
	Log      LogConfig      `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
	// Migrate applies pending migrations on startup.
	Migrate bool `mapstructure:"migrate"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AWSConfig struct {
	Region string `mapstructure:"region"`
	// Endpoint overrides every service endpoint, e.g. LocalStack.
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// Adapter drivers.
const (
	DriverRedis = "redis"
	DriverSQS   = "sqs"
	DriverLocal = "local"
	DriverSNS   = "sns"
	DriverLog   = "log"
	DriverS3    = "s3"
)

type ChannelConfig struct {
	Driver            string        `mapstructure:"driver"`
	KeyPrefix         string        `mapstructure:"key_prefix"`
	SQSQueueURL       string        `mapstructure:"sqs_queue_url"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

type NotifyConfig struct {
	Driver      string `mapstructure:"driver"`
	RedisPrefix string `mapstructure:"redis_prefix"`
	SNSTopicARN string `mapstructure:"sns_topic_arn"`
}

type StorageConfig struct {
	Driver   string `mapstructure:"driver"`
	Dir      string `mapstructure:"dir"`
	S3Bucket string `mapstructure:"s3_bucket"`
	S3Prefix string `mapstructure:"s3_prefix"`
}

type WorkerConfig struct {
	Count       int           `mapstructure:"count"`
	ClaimWait   time.Duration `mapstructure:"claim_wait"`
	Heartbeat   time.Duration `mapstructure:"heartbeat"`
	ReaperEvery time.Duration `mapstructure:"reaper_every"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	ReaperBatch int64         `mapstructure:"reaper_batch"`
	DeleteFiles bool          `mapstructure:"delete_files"`
}

type ImportConfig struct {
	Delimiter       string `mapstructure:"delimiter"`
	Mode            string `mapstructure:"mode"`
	SkipLimit       int64  `mapstructure:"skip_limit"`
	ChunkSize       int    `mapstructure:"chunk_size"`
	StrategyWorkers int    `mapstructure:"strategy_workers"`
	DefaultStrategy string `mapstructure:"default_strategy"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 30*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("http.max_upload_bytes", 64<<20)
	v.SetDefault("http.allowed_origins", []string{})

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.migrate", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")

	v.SetDefault("channel.driver", DriverRedis)
	v.SetDefault("channel.key_prefix", "imports")
	v.SetDefault("channel.sqs_queue_url", "")
	v.SetDefault("channel.visibility_timeout", 5*time.Minute)

	v.SetDefault("notify.driver", DriverLog)
	v.SetDefault("notify.redis_prefix", "notifications.")
	v.SetDefault("notify.sns_topic_arn", "")

	v.SetDefault("storage.driver", DriverLocal)
	v.SetDefault("storage.dir", "./data/uploads")
	v.SetDefault("storage.s3_bucket", "")
	v.SetDefault("storage.s3_prefix", "uploads/")

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.claim_wait", 5*time.Second)
	v.SetDefault("worker.heartbeat", time.Minute)
	v.SetDefault("worker.reaper_every", 30*time.Second)
	v.SetDefault("worker.stale_after", 10*time.Minute)
	v.SetDefault("worker.reaper_batch", 100)
	v.SetDefault("worker.delete_files", true)

	v.SetDefault("import.delimiter", string(ingest.DefaultDelimiter))
	v.SetDefault("import.mode", string(ingest.ModeAggregate))
	v.SetDefault("import.skip_limit", 0)
	v.SetDefault("import.chunk_size", 500)
	v.SetDefault("import.strategy_workers", 0)
	v.SetDefault("import.default_strategy", ingest.StrategyIdentity)

	v.SetDefault("log.level", "")
}

// Load reads the configuration. file names an explicit YAML file; when empty
// config.yaml is looked up in the working directory and ./config, and its
// absence is not an error.
func Load(file string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	check := func(section, driver string, allowed ...string) error {
		for _, a := range allowed {
			if driver == a {
				return nil
			}
		}
		return fmt.Errorf("%s.driver: unknown driver %q (want one of %s)", section, driver, strings.Join(allowed, ", "))
	}
	if err := check("channel", c.Channel.Driver, DriverRedis, DriverSQS, DriverLocal); err != nil {
		return err
	}
	if err := check("notify", c.Notify.Driver, DriverRedis, DriverSNS, DriverLog); err != nil {
		return err
	}
	if err := check("storage", c.Storage.Driver, DriverLocal, DriverS3); err != nil {
		return err
	}

	switch {
	case c.Channel.Driver == DriverSQS && c.Channel.SQSQueueURL == "":
		return errors.New("channel.sqs_queue_url is required for the sqs driver")
	case c.Notify.Driver == DriverSNS && c.Notify.SNSTopicARN == "":
		return errors.New("notify.sns_topic_arn is required for the sns driver")
	case c.Storage.Driver == DriverS3 && c.Storage.S3Bucket == "":
		return errors.New("storage.s3_bucket is required for the s3 driver")
	case c.Worker.Count <= 0:
		return errors.New("worker.count must be positive")
	case c.Worker.Heartbeat <= 0 || c.Worker.Heartbeat >= c.Worker.StaleAfter:
		return errors.New("worker.heartbeat must be positive and below worker.stale_after")
	case c.Channel.Driver == DriverSQS && c.Worker.Heartbeat >= c.Channel.VisibilityTimeout:
		return errors.New("worker.heartbeat must be below channel.visibility_timeout")
	}

	if utf8.RuneCountInString(c.Import.Delimiter) != 1 {
		return fmt.Errorf("import.delimiter must be a single character, got %q", c.Import.Delimiter)
	}
	if _, err := ingest.ParseValidationMode(c.Import.Mode); err != nil {
		return fmt.Errorf("import.mode: %w", err)
	}
	return nil
}

// DelimiterRune returns the configured field separator.
func (c ImportConfig) DelimiterRune() rune {
	r, _ := utf8.DecodeRuneInString(c.Delimiter)
	return r
}

// ValidationMode returns the parsed mode; Load has already rejected bad values.
func (c ImportConfig) ValidationMode() ingest.ValidationMode {
	m, _ := ingest.ParseValidationMode(c.Mode)
	return m
}

var dsnPassword = regexp.MustCompile(`://([^:/?#]+):([^@/]+)@`)

// RedactDSN masks the password of a URL-style DSN for logging.
func RedactDSN(dsn string) string {
	// user:pass@ -> user:****@, DSN без пароля не трогаем
	return dsnPassword.ReplaceAllString(dsn, `://$1:****@`)
}
