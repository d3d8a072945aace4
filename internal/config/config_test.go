package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STATE_TABLE", "advisor-state")
	t.Setenv("PARAM_PREFIX", "/advisor-agent")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "advisor-state", cfg.StateTable)
	require.Equal(t, "/advisor-agent", cfg.ParamPrefix)
	require.Equal(t, 4000, cfg.MaxContextTokens)
	require.Equal(t, 2000, cfg.MaxQuestionLength)
	require.Equal(t, "info", cfg.LogLevel)
	require.Empty(t, cfg.OpenAIBaseURL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STATE_TABLE", "advisor-state")
	t.Setenv("PARAM_PREFIX", "/advisor-agent")
	t.Setenv("MAX_CONTEXT_TOKENS", "8000")
	t.Setenv("MAX_QUESTION_LENGTH", "500")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:8080")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8000, cfg.MaxContextTokens)
	require.Equal(t, 500, cfg.MaxQuestionLength)
	require.Equal(t, "http://localhost:8080", cfg.OpenAIBaseURL)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_MissingRequired(t *testing.T) {
	// t.Setenv registers the restore; the unset makes the variable truly
	// absent rather than empty.
	t.Setenv("STATE_TABLE", "x")
	t.Setenv("PARAM_PREFIX", "x")
	require.NoError(t, os.Unsetenv("STATE_TABLE"))
	require.NoError(t, os.Unsetenv("PARAM_PREFIX"))

	_, err := Load()
	require.Error(t, err)
}
