package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-hd-delivery/internal/dispatch"
	"github.com/imrishuroy/go-hd-delivery/internal/faults"
	"github.com/imrishuroy/go-hd-delivery/internal/telegram"
	"github.com/imrishuroy/go-hd-delivery/internal/validation"
)

// HandlerConfig groups dependencies for the webhook handler.
type HandlerConfig struct {
	Sink      dispatch.Sink
	Validator *validatorv10.Validate
	// Secret must match the secret token header when set.
	Secret string
}

// RegisterWebhookRoutes registers the Telegram webhook route.
func RegisterWebhookRoutes(r *gin.Engine, cfg HandlerConfig) {
	r.POST(telegram.WebhookPath, func(c *gin.Context) {
		ctx := c.Request.Context()

		var headers validation.WebhookHeaders
		if err := validation.BindHeaders(c, &headers); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_headers"})
			return
		}
		if cfg.Secret != "" && subtle.ConstantTimeCompare([]byte(headers.SecretToken), []byte(cfg.Secret)) != 1 {
			log.Warn().Str("remote", c.ClientIP()).Msg("Webhook call with a bad secret token")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_secret_token"})
			return
		}

		var update tgbotapi.Update
		if err := validation.BindAndValidate(c, &update, cfg.Validator); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		ev, ok := telegram.Translate(update)
		if !ok {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}

		err := cfg.Sink.Submit(ctx, ev)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": "accepted"})
		case errors.Is(err, dispatch.ErrPoolClosed) || faults.IsRetryable(err):
			// a non-2xx response makes Telegram redeliver the update
			log.Warn().Err(err).Int("update_id", update.UpdateID).Msg("Update not processed, asking for redelivery")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try_again"})
		default:
			log.Error().Err(err).Int("update_id", update.UpdateID).Msg("Update dropped")
			c.JSON(http.StatusOK, gin.H{"status": "dropped"})
		}
	})
}

// RequestLogger logs one line per request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request handled")
	}
}
