package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsbedrockagent "github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	awsbedrock "github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"

	"clone-agent/handler"
	"clone-agent/internal/integrations/bedrock"
	"clone-agent/internal/integrations/knowledgebase"
	"clone-agent/internal/integrations/mediastore"
	"clone-agent/internal/integrations/paramstore"
	"clone-agent/internal/integrations/speech"
	"clone-agent/internal/integrations/whatsapp"
	"clone-agent/internal/repository"
	"clone-agent/internal/usecase"
)

func main() {
	ctx := context.Background()
	log := slog.Default()

	// ---- Configuration (read only here) ----
	sessionsTable := mustEnv("SESSIONS_TABLE")
	ledgerTable := mustEnv("LEDGER_TABLE")
	mediaBucket := mustEnv("MEDIA_BUCKET")
	knowledgeBaseID := mustEnv("KNOWLEDGE_BASE_ID")
	modelID := mustEnv("MODEL_ID")
	paramPrefix := mustEnv("PARAM_PREFIX")
	phoneNumberID := mustEnv("WA_PHONE_NUMBER_ID")
	voiceID := mustEnv("VOICE_ID")
	verifyToken := mustEnv("WEBHOOK_VERIFY_TOKEN")

	classifierModelID := os.Getenv("CLASSIFIER_MODEL_ID")
	idleTTL := time.Duration(envInt("SESSION_IDLE_TTL_MINUTES", 24*60)) * time.Minute
	temperature := envFloat("TEMPERATURE", 0.5)
	maxTokens := envInt("MAX_TOKENS", 4096)

	// ---- AWS SDK config ----
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		log.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}

	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	sessions, err := repository.NewSessionStore(dynamoClient, sessionsTable)
	if err != nil {
		log.Error("failed to create session store", "err", err)
		os.Exit(1)
	}
	ledger, err := repository.NewLedgerStore(dynamoClient, ledgerTable)
	if err != nil {
		log.Error("failed to create ledger store", "err", err)
		os.Exit(1)
	}

	model, err := bedrock.New(awsbedrock.NewFromConfig(cfg))
	if err != nil {
		log.Error("failed to create bedrock client", "err", err)
		os.Exit(1)
	}
	retriever, err := knowledgebase.New(awsbedrockagent.NewFromConfig(cfg), knowledgeBaseID)
	if err != nil {
		log.Error("failed to create knowledge base client", "err", err)
		os.Exit(1)
	}

	s3Client := awss3.NewFromConfig(cfg)
	media, err := mediastore.New(s3Client, presignAdapter{awss3.NewPresignClient(s3Client)}, mediaBucket, "audio-out")
	if err != nil {
		log.Error("failed to create media store", "err", err)
		os.Exit(1)
	}
	synthesizer, err := speech.NewClient(ssmClient, paramPrefix, voiceID)
	if err != nil {
		log.Error("failed to create speech client", "err", err)
		os.Exit(1)
	}
	gateway, err := whatsapp.NewClient(ssmClient, paramPrefix, phoneNumberID)
	if err != nil {
		log.Error("failed to create whatsapp client", "err", err)
		os.Exit(1)
	}

	dispatcher, err := usecase.NewDispatcher(synthesizer, media, gateway, log)
	if err != nil {
		log.Error("failed to create dispatcher", "err", err)
		os.Exit(1)
	}

	turns, err := usecase.NewTurnService(
		model, retriever, sessions, ledger, dispatcher, ssmClient, paramPrefix,
		uuid.NewString,
		usecase.TurnConfig{
			ModelID:           modelID,
			ClassifierModelID: classifierModelID,
			Temperature:       temperature,
			MaxTokens:         maxTokens,
			SessionIdleTTL:    idleTTL,
		},
		log,
	)
	if err != nil {
		log.Error("failed to create turn service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(turns, verifyToken, log)
	if err != nil {
		log.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

// presignAdapter narrows *s3.PresignClient to the mediastore interface.
type presignAdapter struct {
	client *awss3.PresignClient
}

func (p presignAdapter) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	out, err := p.client.PresignGetObject(ctx, &awss3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, awss3.WithPresignExpires(expiry))
	if err != nil {
		return "", err
	}
	return out.URL, nil
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
