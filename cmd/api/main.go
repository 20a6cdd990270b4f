package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-hd-delivery/internal/config"
	"github.com/imrishuroy/go-hd-delivery/internal/handlers"
	"github.com/imrishuroy/go-hd-delivery/internal/logging"
	"github.com/imrishuroy/go-hd-delivery/internal/telegram"
	"github.com/imrishuroy/go-hd-delivery/internal/validation"
)

func setupRouter(a *app, release bool) *gin.Engine {
	if release {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger())

	handlers.RegisterHealthRoutes(r, a.artifacts.Describe)
	handlers.RegisterWebhookRoutes(r, handlers.HandlerConfig{
		Sink:      a.sink,
		Validator: a.validate,
		Secret:    a.cfg.WebhookSecret,
	})

	return r
}

func main() {
	v := validation.New()
	cfg, err := config.Load(v)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Init(cfg.LogLevel, cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, v)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to init app")
	}
	a.startBackground(ctx)

	if cfg.WebhookURL != "" {
		if err := telegram.RegisterWebhook(a.bot, cfg.WebhookURL, cfg.WebhookSecret); err != nil {
			log.Error().Err(err).Msg("Webhook registration failed")
		}
	}

	r := setupRouter(a, !cfg.Development())

	// if RUN_LOCAL is true, run a long-lived HTTP server with background workers.
	if cfg.RunLocal {
		srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("HTTP shutdown failed")
			}
		}()

		log.Info().Str("addr", srv.Addr).Msg("Running local server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to run local server")
		}
		a.close()
		return
	}

	if a.local != nil {
		log.Warn().Msg("OUTBOX_QUEUE_URL is not set; actions queued after a response may be lost when the runtime freezes")
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		resp, err := adapter.ProxyWithContext(ctx, req)
		a.flushMetrics(ctx)
		return resp, err
	})
}
