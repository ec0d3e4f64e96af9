package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables, e.g. SCHOOL_REDIS_ADDR -> redis.addr.
const EnvPrefix = "SCHOOL_"

// Config is the server configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Redis   RedisConfig   `koanf:"redis"`
	Storage StorageConfig `koanf:"storage"`
	Cloud   CloudConfig   `koanf:"cloud"`
	Log     LogConfig     `koanf:"log"`
}

type ServerConfig struct {
	Port    string `koanf:"port" validate:"required"`
	WebRoot string `koanf:"web_root" validate:"required"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr" validate:"required"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"gte=0"`
}

// StorageConfig names the keys the Database is persisted under.
type StorageConfig struct {
	Key       string `koanf:"key" validate:"required"`
	LegacyKey string `koanf:"legacy_key"` // array-of-students era
}

// CloudConfig points at the jsonbin-style document store. Sync is disabled
// unless both BinID and APIKey are set.
type CloudConfig struct {
	BaseURL string        `koanf:"base_url" validate:"required,url"`
	BinID   string        `koanf:"bin_id"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout" validate:"gte=0"`
}

type LogConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:    ":8080",
			WebRoot: "./web",
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
			DB:   8,
		},
		Storage: StorageConfig{
			Key:       "schoolAppDatabase_v2",
			LegacyKey: "schoolAppStudents",
		},
		Cloud: CloudConfig{
			BaseURL: "https://api.jsonbin.io/v3",
			Timeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, an optional .env file and the
// process environment, in increasing order of precedence.
func Load(dotenvPath string) (*Config, error) {
	return load(dotenvPath, os.Environ)
}

func load(dotenvPath string, environ func() []string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	vars, err := readDotenv(dotenvPath)
	if err != nil {
		return nil, err
	}
	vars = append(vars, environ()...)

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: transformEnvKey,
		EnvironFunc:   func() []string { return vars },
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// readDotenv returns the entries of the .env file as KEY=VALUE pairs.
// A missing file is not an error.
func readDotenv(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}
	vars := make([]string, 0, len(values))
	for k, v := range values {
		vars = append(vars, k+"="+v)
	}
	return vars, nil
}

// transformEnvKey maps SCHOOL_CLOUD_API_KEY to cloud.api_key. The first
// segment is the section, the rest is the field name.
func transformEnvKey(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, field, ok := strings.Cut(key, "_")
	if !ok || section == "" || field == "" {
		return "", nil
	}
	return section + "." + field, value
}

// CloudEnabled reports whether cloud sync is configured. jsonbin master keys
// are bcrypt-style strings starting with "$2".
func (c CloudConfig) CloudEnabled() bool {
	return c.BinID != "" && strings.HasPrefix(c.APIKey, "$2")
}
