package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"

	"advisor-agent/handler"
	"advisor-agent/internal/config"
	"advisor-agent/internal/integrations/openai"
	"advisor-agent/internal/integrations/paramstore"
	"advisor-agent/internal/repository"
	"advisor-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load AWS config")
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create SSM client")
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create state store")
	}

	var openaiOpts []openai.Option
	if cfg.OpenAIBaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	llmClient, err := openai.NewClient(ssmClient, cfg.ParamPrefix, openaiOpts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create OpenAI client")
	}

	// ---- Services ----
	memoryService, err := usecase.NewMemoryService(store, llmClient, ssmClient, cfg.ParamPrefix)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create memory service")
	}
	quotaService, err := usecase.NewQuotaService(store)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create quota service")
	}
	chatService, err := usecase.NewChatService(memoryService, llmClient, quotaService, ssmClient, cfg.ParamPrefix, logger, cfg.MaxContextTokens, cfg.MaxQuestionLength)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create chat service")
	}

	// ---- Handler ----
	h, err := handler.NewHandler(chatService, memoryService, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create handler")
	}

	lambda.Start(h.Handle)
}
