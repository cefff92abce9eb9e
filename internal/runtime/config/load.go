package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the prefix of environment variables read by Load.
const DefaultEnvPrefix = "RELAYFLOW_"

// LoadOptions locate the configuration sources. Empty fields use the defaults.
type LoadOptions struct {
	ConfigFile string
	EnvFile    string
	EnvPrefix  string
}

func (o LoadOptions) withDefaults() LoadOptions {
	if o.ConfigFile == "" {
		o.ConfigFile = "config.yaml"
	}
	if o.EnvFile == "" {
		o.EnvFile = ".env"
	}
	if o.EnvPrefix == "" {
		o.EnvPrefix = DefaultEnvPrefix
	}
	return o
}

// Defaults returns the values applied before any source is read.
func Defaults() map[string]any {
	defaults := map[string]any{
		"log.level":                           "info",
		"metrics.addr":                        ":9090",
		"messagebroker.sendtimeout":           "10s",
		"messagebroker.rabbitmq.port":         5672,
		"messagebroker.rabbitmq.virtualhost":  "/",
		"messagebroker.rabbitmq.exchangetype": "direct",
		"messagebroker.nats.queuegroup":       "relayflow",
		"notificationserver.transport":        NotifyWebSocket,
		"notificationserver.method":           "SendTaskStatus",
		"notificationserver.timeout":          "10s",
	}
	for _, prefix := range []string{
		"messagebroker.rabbitmq.routingkeys",
		"messagebroker.rabbitmq.queuenames",
		"messagebroker.kafka.topics",
		"messagebroker.sqs.queuenames",
		"messagebroker.sns.topicnames",
		"messagebroker.sns.queuenames",
		"messagebroker.nats.subjects",
	} {
		defaults[prefix+".fileuploaded"] = "file-uploaded"
		defaults[prefix+".filedeleted"] = "file-deleted"
	}
	return defaults
}

// Load layers defaults, the YAML file, the .env file and finally the process
// environment, then validates the result. Missing files are skipped.
func Load(opts LoadOptions) (Config, error) {
	var cfg Config
	opts = opts.withDefaults()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return cfg, fmt.Errorf("error loading config defaults: %w", err)
	}

	// 1. Load configuration from yaml file
	if err := k.Load(file.Provider(opts.ConfigFile), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("error loading YAML config file", "file", opts.ConfigFile, "error", err)
		}
	}

	// 2. Load environment variables from .env file
	envTransformer := func(key string) string {
		key = strings.ToLower(key)
		key = strings.TrimPrefix(key, strings.ToLower(opts.EnvPrefix))
		return strings.ReplaceAll(key, "_", ".")
	}
	if envFileMap, err := godotenv.Read(opts.EnvFile); err == nil {
		envMap := make(map[string]any)
		for key, value := range envFileMap {
			if !strings.HasPrefix(strings.ToUpper(key), opts.EnvPrefix) {
				continue
			}
			envMap[envTransformer(key)] = value
		}
		if err := k.Load(confmap.Provider(envMap, "."), nil); err != nil {
			slog.Warn("error loading .env config", "error", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		slog.Warn("error reading .env file", "file", opts.EnvFile, "error", err)
	}

	// 3. Load environment variables from the system, the highest priority
	if err := k.Load(env.Provider(opts.EnvPrefix, ".", envTransformer), nil); err != nil {
		slog.Warn("error loading system env vars", "error", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}
