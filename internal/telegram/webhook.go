package telegram

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// WebhookPath is where the bot receives updates.
const WebhookPath = "/webhook"

// RegisterWebhook points the bot at baseURL+WebhookPath. Pending updates are
// dropped. secret, when set, is echoed by Telegram in the
// X-Telegram-Bot-Api-Secret-Token header of every delivery.
func RegisterWebhook(bot *tgbotapi.BotAPI, baseURL, secret string) error {
	link := strings.TrimRight(baseURL, "/") + WebhookPath
	params := tgbotapi.Params{
		"url":                  link,
		"drop_pending_updates": "true",
	}
	params.AddNonEmpty("secret_token", secret)
	if err := params.AddInterface("allowed_updates", []string{"message", "callback_query", "pre_checkout_query"}); err != nil {
		return fmt.Errorf("encode allowed updates: %w", err)
	}

	if _, err := bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	log.Info().Str("url", link).Bool("secret", secret != "").Msg("Telegram webhook registered")
	return nil
}
