package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Recovery struct {
		GenerateSharesURL string        `mapstructure:"generate_shares_url"`
		MetadataURL       string        `mapstructure:"metadata_url"`
		CustomTokenURL    string        `mapstructure:"custom_token_url"`
		NodeTimeout       time.Duration `mapstructure:"node_timeout"`
		BatchDelay        time.Duration `mapstructure:"batch_delay"`
		DefaultVerifier   string        `mapstructure:"default_verifier"`
		Verifiers         struct {
			Google string `mapstructure:"google"`
			Apple  string `mapstructure:"apple"`
			Custom string `mapstructure:"custom"`
		} `mapstructure:"verifiers"`
	} `mapstructure:"recovery"`

	LocalStorage struct {
		Type string `mapstructure:"type"` // file, redis or memory
		Path string `mapstructure:"path"`
	} `mapstructure:"local_storage"`

	Redis struct {
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	BlockStorage struct {
		Enabled   bool   `mapstructure:"enabled"`
		Host      string `mapstructure:"host"`
		Region    string `mapstructure:"region"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret"`
		Bucket    string `mapstructure:"bucket"`
		Prefix    string `mapstructure:"prefix"`
	} `mapstructure:"block_storage"`

	Datadog struct {
		Host string `mapstructure:"host"`
		Port string `mapstructure:"port"`
	} `mapstructure:"datadog"`

	Server struct {
		Port      int64  `mapstructure:"port"`
		PublicURL string `mapstructure:"public_url"`
		Nodes     int    `mapstructure:"nodes"`
		Threshold int    `mapstructure:"threshold"`
		JWTSecret string `mapstructure:"jwt_secret"`
		Storage   string `mapstructure:"storage"` // memory or redis
	} `mapstructure:"server"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("recovery.node_timeout", 10*time.Second)
	v.SetDefault("recovery.batch_delay", time.Second)
	v.SetDefault("recovery.default_verifier", "google")
	v.SetDefault("recovery.verifiers.google", "sss-google")
	v.SetDefault("recovery.verifiers.apple", "sss-apple")
	v.SetDefault("recovery.verifiers.custom", "sss-custom")
	v.SetDefault("local_storage.type", "file")
	v.SetDefault("local_storage.path", ".sss")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("block_storage.prefix", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.nodes", 3)
	v.SetDefault("server.threshold", 2)
	v.SetDefault("server.storage", "memory")
}

// ReadConfig loads <name>.yaml (or any format viper knows) from the working
// directory. Environment variables such as RECOVERY_METADATA_URL override it.
func ReadConfig(name string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(name)
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("fail to read config file, err: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("fail to decode config, err: %w", err)
	}
	return &cfg, nil
}
