package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-hd-delivery/internal/aws"
	"github.com/imrishuroy/go-hd-delivery/internal/cache"
	"github.com/imrishuroy/go-hd-delivery/internal/config"
	"github.com/imrishuroy/go-hd-delivery/internal/logging"
	"github.com/imrishuroy/go-hd-delivery/internal/metrics"
	"github.com/imrishuroy/go-hd-delivery/internal/outbox"
	"github.com/imrishuroy/go-hd-delivery/internal/telegram"
	"github.com/imrishuroy/go-hd-delivery/internal/validation"
)

func main() {
	v := validation.New()
	cfg, err := config.Load(v)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Init(cfg.LogLevel, cfg.AppEnv)

	ctx := context.Background()

	// artifacts are written by the api; both must share CACHE_DIR
	store, err := cache.NewFileStore(cfg.CacheDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open artifact store")
	}

	var recorder *metrics.Recorder
	var counter metrics.Counter = metrics.Nop{}
	if cfg.MetricsNamespace != "" {
		clients, err := aws.NewClients(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to init aws clients")
		}
		recorder = metrics.NewRecorder(clients.CloudWatch, cfg.MetricsNamespace)
		counter = recorder
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to init bot")
	}

	processor := NewProcessor(outbox.NewDeliverer(telegram.NewTransport(bot), store, counter), v)

	// the runtime may freeze between batches, so metrics are flushed after each one
	handle := func(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
		resp, err := processor.Handle(ctx, ev)
		if recorder != nil {
			if ferr := recorder.Flush(ctx); ferr != nil {
				log.Warn().Err(ferr).Msg("Metrics flush failed")
			}
		}
		return resp, err
	}

	// If RUN_LOCAL=true, process a single message taken from LOCAL_SQS_BODY.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			log.Fatal().Msg("LOCAL_SQS_BODY is required when RUN_LOCAL=true")
		}
		resp, _ := handle(ctx, events.SQSEvent{Records: []events.SQSMessage{{MessageId: "local-1", Body: body}}})
		if len(resp.BatchItemFailures) > 0 {
			log.Fatal().Msg("Local delivery failed")
		}
		return
	}

	lambda.Start(handle)
}
