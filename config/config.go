package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

const (
	defaultTokenTTL       = 10 * time.Minute
	defaultIdleTimeout    = 10 * time.Minute
	defaultMinSecretLen   = 6
	defaultLoginBurst     = 5
	defaultLoginRefill    = 12 * time.Second
	defaultEventsChannel  = "session-events"
	defaultArchivePrefix  = "session-events"
	defaultTokenCookie    = "session_token"
	defaultMarkerCookie   = "session_marker"
	defaultServiceVersion = "dev"
)

type Config struct {
	ServerPort int    `koanf:"server_port"`
	LogFormat  string `koanf:"log_format"`
	Version    string `koanf:"version"`

	Database DatabaseConfig `koanf:"database"`
	Auth     AuthConfig     `koanf:"auth"`
	MQ       MQConfig       `koanf:"mq"`
	Storage  StorageConfig  `koanf:"storage"`
}

type DatabaseConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	DBName   string `koanf:"dbname"`
	UseSSL   bool   `koanf:"use_ssl"`
}

// AuthConfig controls credential checks and the session lifecycle.
type AuthConfig struct {
	// JWTSecret signs session tokens. Required by the server.
	JWTSecret string `koanf:"jwt_secret"`

	// TokenTTL is the absolute lifetime of an issued session token.
	TokenTTL time.Duration `koanf:"token_ttl"`

	// IdleTimeout is how long a session may go without interaction.
	IdleTimeout time.Duration `koanf:"idle_timeout"`

	MinSecretLength int `koanf:"min_secret_length"`

	// LoginBurst and LoginRefill shape the per-identifier attempt bucket.
	LoginBurst  int           `koanf:"login_burst"`
	LoginRefill time.Duration `koanf:"login_refill"`

	BcryptCost   int    `koanf:"bcrypt_cost"`
	CookieSecure bool   `koanf:"cookie_secure"`
	TokenCookie  string `koanf:"token_cookie"`
	MarkerCookie string `koanf:"marker_cookie"`
}

// MQConfig selects the broker used for session audit events.
// An empty Backend disables publishing.
type MQConfig struct {
	Backend  string         `koanf:"backend"`
	Channel  string         `koanf:"channel"`
	RabbitMQ RabbitMQConfig `koanf:"rabbitmq"`
	PubSub   PubSubConfig   `koanf:"pubsub"`
}

type RabbitMQConfig struct {
	URL             string `koanf:"url"`
	QueueDurable    bool   `koanf:"queue_durable"`
	QueueAutoDelete bool   `koanf:"queue_auto_delete"`
	PrefetchCount   int    `koanf:"prefetch_count"`
}

type PubSubConfig struct {
	ProjectID          string `koanf:"project_id"`
	CredentialsFile    string `koanf:"credentials_file"`
	SubscriptionSuffix string `koanf:"subscription_suffix"`
}

// StorageConfig selects the object store the audit archiver writes to.
type StorageConfig struct {
	Backend string      `koanf:"backend"`
	Prefix  string      `koanf:"prefix"`
	Minio   MinioConfig `koanf:"minio"`
	GCS     GCSConfig   `koanf:"gcs"`
	S3      S3Config    `koanf:"s3"`
}

type MinioConfig struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	UseSSL    bool   `koanf:"use_ssl"`
}

type GCSConfig struct {
	Bucket          string `koanf:"bucket"`
	ProjectID       string `koanf:"project_id"`
	CredentialsFile string `koanf:"credentials_file"`
}

type S3Config struct {
	Region       string `koanf:"region"`
	Bucket       string `koanf:"bucket"`
	AccessKey    string `koanf:"access_key"`
	SecretKey    string `koanf:"secret_key"`
	BaseEndpoint string `koanf:"base_endpoint"`
	UsePathStyle bool   `koanf:"use_path_style"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		ServerPort: 8080,
		LogFormat:  "json",
		Version:    defaultServiceVersion,
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "medeval",
			Password: "password",
			DBName:   "medeval_db",
		},
		Auth: AuthConfig{
			TokenTTL:        defaultTokenTTL,
			IdleTimeout:     defaultIdleTimeout,
			MinSecretLength: defaultMinSecretLen,
			LoginBurst:      defaultLoginBurst,
			LoginRefill:     defaultLoginRefill,
			BcryptCost:      0,
			TokenCookie:     defaultTokenCookie,
			MarkerCookie:    defaultMarkerCookie,
		},
		MQ: MQConfig{
			Channel: defaultEventsChannel,
		},
		Storage: StorageConfig{
			Prefix: defaultArchivePrefix,
		},
	}
}

// LoadConfig builds a Config from defaults and the environment only.
func LoadConfig() Config {
	if os.Getenv("ENV") == "dev" {
		godotenv.Load()
	}

	cfg := Defaults()
	applyEnv(&cfg)
	return cfg
}

// Load layers defaults, an optional YAML file, the environment and any
// explicitly changed flags, in that order.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	if os.Getenv("ENV") == "dev" {
		godotenv.Load()
	}

	cfg := Defaults()

	if strings.TrimSpace(path) != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_FILE_INVALID").With("path", path).Wrap(err)
		}
		if err := k.Unmarshal("", &cfg); err != nil {
			return Config{}, oops.Code("CONFIG_FILE_INVALID").With("path", path).Wrap(err)
		}
	}

	applyEnv(&cfg)

	if flags != nil {
		k := koanf.New(".")
		provider := posflag.ProviderWithFlag(flags, ".", nil, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return Config{}, oops.Code("CONFIG_FLAGS_INVALID").Wrap(err)
		}
		if err := k.Unmarshal("", &cfg); err != nil {
			return Config{}, oops.Code("CONFIG_FLAGS_INVALID").Wrap(err)
		}
	}

	return cfg, nil
}

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"port":       "server_port",
	"log-format": "log_format",
}

func applyEnv(cfg *Config) {
	cfg.ServerPort = getEnvInt("SERVER_PORT", cfg.ServerPort)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.Version = getEnv("SERVICE_VERSION", cfg.Version)

	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.DBName = getEnv("DB_NAME", cfg.Database.DBName)
	cfg.Database.UseSSL = getEnvBool("DB_USE_SSL", cfg.Database.UseSSL)

	cfg.Auth.JWTSecret = strings.TrimSpace(getEnv("JWT_SECRET", cfg.Auth.JWTSecret))
	cfg.Auth.TokenTTL = getEnvDuration("AUTH_TOKEN_TTL", cfg.Auth.TokenTTL)
	cfg.Auth.IdleTimeout = getEnvDuration("AUTH_IDLE_TIMEOUT", cfg.Auth.IdleTimeout)
	cfg.Auth.MinSecretLength = getEnvInt("AUTH_MIN_SECRET_LENGTH", cfg.Auth.MinSecretLength)
	cfg.Auth.LoginBurst = getEnvInt("AUTH_LOGIN_BURST", cfg.Auth.LoginBurst)
	cfg.Auth.LoginRefill = getEnvDuration("AUTH_LOGIN_REFILL", cfg.Auth.LoginRefill)
	cfg.Auth.BcryptCost = getEnvInt("AUTH_BCRYPT_COST", cfg.Auth.BcryptCost)
	cfg.Auth.CookieSecure = getEnvBool("AUTH_COOKIE_SECURE", cfg.Auth.CookieSecure)

	cfg.MQ.Backend = getEnv("MQ_BACKEND", cfg.MQ.Backend)
	cfg.MQ.Channel = getEnv("MQ_CHANNEL", cfg.MQ.Channel)
	cfg.MQ.RabbitMQ.URL = getEnv("RABBITMQ_URL", cfg.MQ.RabbitMQ.URL)
	cfg.MQ.RabbitMQ.QueueDurable = getEnvBool("RABBITMQ_QUEUE_DURABLE", cfg.MQ.RabbitMQ.QueueDurable)
	cfg.MQ.RabbitMQ.PrefetchCount = getEnvInt("RABBITMQ_PREFETCH", cfg.MQ.RabbitMQ.PrefetchCount)
	cfg.MQ.PubSub.ProjectID = getEnv("PUBSUB_PROJECT_ID", cfg.MQ.PubSub.ProjectID)
	cfg.MQ.PubSub.CredentialsFile = getEnv("PUBSUB_CREDENTIALS_FILE", cfg.MQ.PubSub.CredentialsFile)

	cfg.Storage.Backend = getEnv("STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.Prefix = getEnv("STORAGE_PREFIX", cfg.Storage.Prefix)
	cfg.Storage.Minio.Endpoint = getEnv("MINIO_ENDPOINT", cfg.Storage.Minio.Endpoint)
	cfg.Storage.Minio.AccessKey = getEnv("MINIO_ACCESS_KEY", cfg.Storage.Minio.AccessKey)
	cfg.Storage.Minio.SecretKey = getEnv("MINIO_SECRET_KEY", cfg.Storage.Minio.SecretKey)
	cfg.Storage.Minio.Bucket = getEnv("MINIO_BUCKET", cfg.Storage.Minio.Bucket)
	cfg.Storage.Minio.UseSSL = getEnvBool("MINIO_USE_SSL", cfg.Storage.Minio.UseSSL)
	cfg.Storage.GCS.Bucket = getEnv("GCS_BUCKET", cfg.Storage.GCS.Bucket)
	cfg.Storage.GCS.ProjectID = getEnv("GCS_PROJECT_ID", cfg.Storage.GCS.ProjectID)
	cfg.Storage.GCS.CredentialsFile = getEnv("GCS_CREDENTIALS_FILE", cfg.Storage.GCS.CredentialsFile)
	cfg.Storage.S3.Region = getEnv("S3_REGION", cfg.Storage.S3.Region)
	cfg.Storage.S3.Bucket = getEnv("S3_BUCKET", cfg.Storage.S3.Bucket)
	cfg.Storage.S3.AccessKey = getEnv("S3_ACCESS_KEY", cfg.Storage.S3.AccessKey)
	cfg.Storage.S3.SecretKey = getEnv("S3_SECRET_KEY", cfg.Storage.S3.SecretKey)
	cfg.Storage.S3.BaseEndpoint = getEnv("S3_BASE_ENDPOINT", cfg.Storage.S3.BaseEndpoint)
	cfg.Storage.S3.UsePathStyle = getEnvBool("S3_USE_PATH_STYLE", cfg.Storage.S3.UsePathStyle)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		var value int
		if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
			return defaultValue
		}
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		switch strings.ToLower(strings.TrimSpace(valueStr)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := time.ParseDuration(strings.TrimSpace(valueStr))
		if err != nil || value <= 0 {
			return defaultValue
		}
		return value
	}
	return defaultValue
}
