package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
)

// Config is the process configuration, parsed from the environment at
// startup. Missing required values are fatal; nothing here is re-read at
// runtime.
type Config struct {
	// StateTable is the DynamoDB table holding turns, names and quotas.
	StateTable string `env:"STATE_TABLE,required"`
	// ParamPrefix is the SSM path prefix for secrets and model names.
	ParamPrefix string `env:"PARAM_PREFIX,required"`
	// MaxContextTokens bounds the assembled prompt context per request.
	MaxContextTokens int `env:"MAX_CONTEXT_TOKENS" envDefault:"4000"`
	// MaxQuestionLength rejects oversized user messages up front.
	MaxQuestionLength int `env:"MAX_QUESTION_LENGTH" envDefault:"2000"`
	// OpenAIBaseURL overrides the provider endpoint, mainly for tests.
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	// LogLevel is a zerolog level name.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}
