// Package config loads medtrace configuration from defaults, an optional
// YAML file, an optional .env file and MEDTRACE_ environment variables, in
// that order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"medtrace/internal/blob"
	"medtrace/internal/core"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "medtrace.config"

// WithContext returns a copy of ctx carrying cfg.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

// FromContext returns the config stored by WithContext, or nil.
func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "medtrace"

// DefaultEnvFile is read when present and no other env file is named.
const DefaultEnvFile = ".env"

const (
	DefaultSQLitePath      = "./medtrace.db"
	DefaultBadgerDir       = "./medtrace-badger"
	DefaultBindAddr        = "0.0.0.0"
	DefaultPort            = 8080
	DefaultShutdownTimeout = 30 * time.Second
	DefaultServiceTimeout  = 30 * time.Second
)

type StorageConfig struct {
	Driver      string `yaml:"driver"      envconfig:"DRIVER"`
	SQLitePath  string `yaml:"sqlitePath"  envconfig:"SQLITE_PATH"`
	PostgresDSN string `yaml:"postgresDSN" envconfig:"POSTGRES_DSN"`
	BadgerDir   string `yaml:"badgerDir"   envconfig:"BADGER_DIR"`
}

type BlobConfig struct {
	Driver      string `yaml:"driver"      envconfig:"DRIVER"`
	FSRoot      string `yaml:"fsRoot"      envconfig:"FS_ROOT"`
	S3Bucket    string `yaml:"s3Bucket"    envconfig:"S3_BUCKET"`
	S3Region    string `yaml:"s3Region"    envconfig:"S3_REGION"`
	S3Endpoint  string `yaml:"s3Endpoint"  envconfig:"S3_ENDPOINT"`
	S3PathStyle bool   `yaml:"s3PathStyle" envconfig:"S3_PATH_STYLE"`
}

type ServerConfig struct {
	BindAddr        string        `yaml:"bindAddr"        envconfig:"BIND_ADDR"`
	Port            uint          `yaml:"port"            envconfig:"PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// Address returns host:port for the HTTP listener.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.BindAddr, s.Port)
}

// ServiceConfig locates an external HTTP collaborator.
type ServiceConfig struct {
	URL     string        `yaml:"url"     envconfig:"URL"`
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

type IdentityConfig struct {
	// SigningKey verifies HS256 tokens issued by the identity service.
	SigningKey string `yaml:"signingKey" envconfig:"SIGNING_KEY"`
}

type LogConfig struct {
	Level       string `yaml:"level"       envconfig:"LEVEL"`
	Environment string `yaml:"environment" envconfig:"ENVIRONMENT"`
}

type ModerationConfig struct {
	BulkWorkers  int `yaml:"bulkWorkers"  envconfig:"BULK_WORKERS"`
	MaxBulkItems int `yaml:"maxBulkItems" envconfig:"MAX_BULK_ITEMS"`
}

type IntakeConfig struct {
	MaxImageBytes int `yaml:"maxImageBytes" envconfig:"MAX_IMAGE_BYTES"`
}

type TracingConfig struct {
	Stdout bool `yaml:"stdout" envconfig:"STDOUT"`
}

type Config struct {
	Storage    StorageConfig    `yaml:"storage"    envconfig:"STORAGE"`
	Blob       BlobConfig       `yaml:"blob"       envconfig:"BLOB"`
	Server     ServerConfig     `yaml:"server"     envconfig:"SERVER"`
	Detector   ServiceConfig    `yaml:"detector"   envconfig:"DETECTOR"`
	Anchor     ServiceConfig    `yaml:"anchor"     envconfig:"ANCHOR"`
	Identity   IdentityConfig   `yaml:"identity"   envconfig:"IDENTITY"`
	Log        LogConfig        `yaml:"log"        envconfig:"LOG"`
	Moderation ModerationConfig `yaml:"moderation" envconfig:"MODERATION"`
	Intake     IntakeConfig     `yaml:"intake"     envconfig:"INTAKE"`
	Tracing    TracingConfig    `yaml:"tracing"    envconfig:"TRACING"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver:     string(core.StorageSQLite),
			SQLitePath: DefaultSQLitePath,
			BadgerDir:  DefaultBadgerDir,
		},
		Blob: BlobConfig{
			Driver: string(blob.DriverFilesystem),
		},
		Server: ServerConfig{
			BindAddr:        DefaultBindAddr,
			Port:            DefaultPort,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Detector: ServiceConfig{Timeout: DefaultServiceTimeout},
		Anchor:   ServiceConfig{Timeout: DefaultServiceTimeout},
		Log:      LogConfig{Level: "info", Environment: "development"},
		Moderation: ModerationConfig{
			BulkWorkers:  core.DefaultBulkWorkers,
			MaxBulkItems: core.DefaultMaxBulkItems,
		},
		Intake: IntakeConfig{MaxImageBytes: core.DefaultMaxImageBytes},
	}
}

// LoadConfig builds the configuration. configFile may be empty. envFile
// names a dotenv file; empty means DefaultEnvFile when it exists. Values
// already present in the environment win over the dotenv file.
func LoadConfig(configFile, envFile string) (*Config, error) {
	cfg := Default()
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("error loading env file %s: %w", path, err)
}

// Validate rejects unknown drivers and non-positive limits.
func (c *Config) Validate() error {
	var errs []error
	if !core.StorageDriver(c.Storage.Driver).Valid() {
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Storage.Driver == string(core.StoragePostgres) && c.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgresDSN: required for the postgres driver"))
	}
	if !blob.Driver(c.Blob.Driver).Valid() {
		errs = append(errs, fmt.Errorf("blob.driver: unknown driver %q", c.Blob.Driver))
	}
	if c.Blob.Driver == string(blob.DriverS3) && c.Blob.S3Bucket == "" {
		errs = append(errs, errors.New("blob.s3Bucket: required for the s3 driver"))
	}
	if c.Server.Port == 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	positive := []struct {
		name string
		ok   bool
	}{
		{"server.shutdownTimeout", c.Server.ShutdownTimeout > 0},
		{"detector.timeout", c.Detector.Timeout > 0},
		{"anchor.timeout", c.Anchor.Timeout > 0},
		{"moderation.bulkWorkers", c.Moderation.BulkWorkers > 0},
		{"moderation.maxBulkItems", c.Moderation.MaxBulkItems > 0},
		{"intake.maxImageBytes", c.Intake.MaxImageBytes > 0},
	}
	for _, p := range positive {
		if !p.ok {
			errs = append(errs, fmt.Errorf("%s: must be positive", p.name))
		}
	}
	return errors.Join(errs...)
}

// StorageOptions converts the storage section for core.OpenPersistentStore.
func (c *Config) StorageOptions() core.StorageOptions {
	return core.StorageOptions{
		Driver:      core.StorageDriver(c.Storage.Driver),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
		BadgerDir:   c.Storage.BadgerDir,
	}
}

// BlobOptions converts the blob section for blob.Open.
func (c *Config) BlobOptions() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Region:    c.Blob.S3Region,
			Bucket:    c.Blob.S3Bucket,
			Endpoint:  c.Blob.S3Endpoint,
			PathStyle: c.Blob.S3PathStyle,
		},
	}
}
