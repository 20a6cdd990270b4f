package main

import (
	"context"
	"fmt"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-hd-delivery/internal/aws"
	"github.com/imrishuroy/go-hd-delivery/internal/cache"
	"github.com/imrishuroy/go-hd-delivery/internal/config"
	"github.com/imrishuroy/go-hd-delivery/internal/dispatch"
	"github.com/imrishuroy/go-hd-delivery/internal/enhance"
	"github.com/imrishuroy/go-hd-delivery/internal/ledger"
	"github.com/imrishuroy/go-hd-delivery/internal/locale"
	"github.com/imrishuroy/go-hd-delivery/internal/metrics"
	"github.com/imrishuroy/go-hd-delivery/internal/outbox"
	"github.com/imrishuroy/go-hd-delivery/internal/telegram"
)

const (
	queueCapacity   = 256
	janitorInterval = 10 * time.Minute
	sweepInterval   = 15 * time.Minute
	metricsInterval = time.Minute
)

// app holds the wired components of the api binary.
type app struct {
	cfg      *config.Config
	validate *validatorv10.Validate
	bot      *tgbotapi.BotAPI

	recorder  *metrics.Recorder
	artifacts *cache.Cache
	machine   *ledger.Machine
	local     *outbox.Local
	pool      *dispatch.Pool
	sink      dispatch.Sink
}

func newApp(ctx context.Context, cfg *config.Config, v *validatorv10.Validate) (*app, error) {
	a := &app{cfg: cfg, validate: v}

	var clients *aws.Clients
	if cfg.LedgerTable != "" || cfg.OutboxQueueURL != "" || cfg.MetricsNamespace != "" {
		var err error
		if clients, err = aws.NewClients(ctx); err != nil {
			return nil, fmt.Errorf("init aws clients: %w", err)
		}
	}

	var counter metrics.Counter = metrics.Nop{}
	if cfg.MetricsNamespace != "" {
		a.recorder = metrics.NewRecorder(clients.CloudWatch, cfg.MetricsNamespace)
		counter = a.recorder
	}

	fs, err := cache.NewFileStore(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	a.artifacts = cache.New(fs,
		cache.WithCounter(counter),
		cache.WithRetention(cache.RetentionPolicy{MaxAge: cfg.CacheMaxAge, MaxBytes: cfg.CacheMaxBytes}),
	)

	var records ledger.Store
	if cfg.LedgerTable != "" {
		records = ledger.NewDynamoStore(clients.DynamoDB, cfg.LedgerTable, cfg.RecordRetention)
	} else {
		log.Warn().Msg("LEDGER_TABLE is not set; delivery records live in memory only")
		records = ledger.NewMemoryStore()
	}

	if a.bot, err = tgbotapi.NewBotAPI(cfg.BotToken); err != nil {
		return nil, fmt.Errorf("init bot: %w", err)
	}
	log.Info().Str("bot", a.bot.Self.UserName).Msg("Authorized on Telegram")

	enhancer := enhance.NewClient(enhance.Options{
		Endpoint: cfg.EnhanceEndpoint,
		Token:    cfg.EnhanceToken,
		Timeout:  cfg.EnhanceTimeout,
	})
	a.machine = ledger.NewMachine(records, a.artifacts, enhancer, telegram.NewFetcher(a.bot),
		ledger.WithRetention(cfg.RecordRetention),
		ledger.WithCounter(counter),
	)

	var out outbox.Outbox
	if cfg.OutboxQueueURL != "" {
		out = outbox.NewSQS(aws.NewPublisher(clients.SQS, cfg.OutboxQueueURL))
	} else {
		deliverer := outbox.NewDeliverer(telegram.NewTransport(a.bot), a.artifacts, counter)
		a.local = outbox.NewLocal(deliverer, cfg.Workers, queueCapacity, outbox.WithCounter(counter))
		out = a.local
	}

	catalog, err := locale.Load()
	if err != nil {
		return nil, fmt.Errorf("load locales: %w", err)
	}
	dispatcher := dispatch.New(a.machine, out, catalog, v, dispatch.Options{
		Amount:   cfg.StarsAmount,
		Currency: cfg.Currency,
		Counter:  counter,
	})

	// A long-lived server answers the webhook before processing; a Lambda
	// invocation must finish its work before returning.
	if cfg.RunLocal {
		a.pool = dispatch.NewPool(dispatcher, cfg.Workers, queueCapacity)
		a.sink = a.pool
	} else {
		a.sink = dispatch.Inline{Handler: dispatcher}
	}

	log.Info().
		Str("cache", a.artifacts.Describe()).
		Bool("dynamo_ledger", cfg.LedgerTable != "").
		Bool("sqs_outbox", cfg.OutboxQueueURL != "").
		Int("stars", cfg.StarsAmount).
		Msg("App initialized")
	return a, nil
}

func (a *app) startBackground(ctx context.Context) {
	// queued events and actions are drained by close, not abandoned on signal
	workCtx := context.WithoutCancel(ctx)
	if a.local != nil {
		a.local.Start(workCtx)
	}
	if a.pool != nil {
		a.pool.Start(workCtx)
	}
	if a.recorder != nil {
		go a.recorder.Run(ctx, metricsInterval)
	}
	go a.artifacts.RunJanitor(ctx, janitorInterval)
	go a.machine.RunSweeper(ctx, sweepInterval)
}

// close drains the event pool before the outbox it feeds.
func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.local != nil {
		a.local.Close()
	}
	a.flushMetrics(context.Background())
}

func (a *app) flushMetrics(ctx context.Context) {
	if a.recorder == nil {
		return
	}
	if err := a.recorder.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("Metrics flush failed")
	}
}
