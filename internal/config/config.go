// Package config loads the client's configuration from environment
// variables, following the teacher's env-tag convention
// (components/*/internal/bootstrap/config.go) rather than a third config
// library: one reflection-based loader shared by every Config struct.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"
)

// Config is the top-level configuration for a client instance.
type Config struct {
	EnvName  string `env:"ENV_NAME"`
	LogLevel string `env:"LOG_LEVEL"`

	// Store
	DatabasePath      string `env:"DATABASE_PATH"`
	DatabaseEncryptKeyHex string `env:"DATABASE_ENCRYPTION_KEY"`

	// Broker
	BrokerAddress    string `env:"BROKER_ADDRESS"`
	BrokerD14NCutoverNs int64 `env:"BROKER_D14N_CUTOVER_NS"`

	// Smart-contract wallet verifier
	VerifierAddress string `env:"VERIFIER_GRPC_ADDRESS"`

	// Key-package rotation
	KeyPackageRotationInterval time.Duration `env:"KEY_PACKAGE_ROTATION_INTERVAL"`

	// Retry / cooldown
	PublishMaxAttempts int           `env:"PUBLISH_MAX_ATTEMPTS"`
	PublishInitialBackoff time.Duration `env:"PUBLISH_INITIAL_BACKOFF"`
	PublishMaxBackoff     time.Duration `env:"PUBLISH_MAX_BACKOFF"`
	PublishTotalWaitMax   time.Duration `env:"PUBLISH_TOTAL_WAIT_MAX"`

	// Telemetry
	OtelServiceName string `env:"OTEL_RESOURCE_SERVICE_NAME"`
	EnableTelemetry bool   `env:"ENABLE_TELEMETRY"`

	// Redis association-state cache
	RedisURI string `env:"REDIS_URI"`

	// Mongo icebox/device-sync store
	MongoURI string `env:"MONGO_URI"`
	MongoDB  string `env:"MONGO_DATABASE"`
}

// Default returns a Config with the same defaults the spec names: 5
// publish attempts, 30s per-attempt cap folded into MaxBackoff, 120s
// total cap (§4.6.4). The 3x backoff multiplier is not a Config field;
// pkg/client sets it when it builds the publish retry strategy.
func Default() *Config {
	return &Config{
		EnvName:                    "development",
		LogLevel:                   "info",
		DatabasePath:               "core.db",
		KeyPackageRotationInterval: 7 * 24 * time.Hour,
		PublishMaxAttempts:         5,
		PublishInitialBackoff:      1 * time.Second,
		PublishMaxBackoff:          30 * time.Second,
		PublishTotalWaitMax:        120 * time.Second,
	}
}

// Load populates cfg from environment variables, starting from whatever
// defaults the caller has already set (typically Default()). Fields
// without a matching environment variable are left untouched.
func Load(cfg *Config) error {
	return loadStruct(reflect.ValueOf(cfg).Elem())
}

func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		tag := field.Tag.Get("env")
		if tag == "" {
			continue
		}

		raw, ok := os.LookupEnv(tag)
		if !ok {
			continue
		}

		if err := setField(v.Field(i), raw); err != nil {
			return fmt.Errorf("config: env %s: %w", tag, err)
		}
	}

	return nil
}

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}

		field.SetBool(b)
	case reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}

			field.SetInt(int64(d))

			return nil
		}

		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}

		field.SetInt(n)
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}

		field.SetInt(int64(n))
	default:
		return fmt.Errorf("unsupported config field kind %s", field.Kind())
	}

	return nil
}
