package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Runtime - Settings read from the environment
type Runtime struct {
	DiscordToken  string `env:"DISCORD_TOKEN,required" validate:"required"`
	CommandPrefix string `env:"COMMAND_PREFIX" envDefault:"!" validate:"required"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"bolt" validate:"oneof=bolt sqlite"`
	BoltPath    string `env:"BOLT_PATH" envDefault:"data/data.db"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"data/data.sqlite"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn warning error"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text" validate:"oneof=text json"`

	// Empty disables the health and metrics listener
	OpsAddr string `env:"OPS_ADDR" envDefault:":9090"`

	RecoveryConcurrency   int           `env:"RECOVERY_CONCURRENCY" envDefault:"4" validate:"gte=1"`
	ResolveTimeout        time.Duration `env:"RESOLVE_TIMEOUT" envDefault:"30s" validate:"gt=0"`
	DefaultTimeoutSeconds int           `env:"DEFAULT_TIMEOUT_SECONDS" envDefault:"600" validate:"gte=0"`
}

// StorePath - Path of the file used by the selected store driver
func (r Runtime) StorePath() string {
	if r.StoreDriver == "sqlite" {
		return r.SQLitePath
	}
	return r.BoltPath
}

// Load - Read .env files if present, then parse and validate the environment
func Load(files ...string) (Runtime, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Runtime{}, fmt.Errorf("load env file: %w", err)
	}

	var cfg Runtime
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("validate env: %w", err)
	}
	return cfg, nil
}
