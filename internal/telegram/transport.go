// Package telegram adapts the Telegram Bot API to the delivery pipeline:
// outbound actions, source downloads, webhook registration and update
// translation.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-hd-delivery/internal/faults"
	"github.com/imrishuroy/go-hd-delivery/internal/outbox"
)

// Transport sends outbound actions through a bot. The Bot API client does not
// accept a context, so ctx is only checked before each call.
type Transport struct {
	bot *tgbotapi.BotAPI
}

var _ outbox.Transport = (*Transport)(nil)

// NewTransport creates a new Transport.
func NewTransport(bot *tgbotapi.BotAPI) *Transport {
	return &Transport{bot: bot}
}

// SendPhoto sends photo with an optional single inline button.
func (t *Transport) SendPhoto(ctx context.Context, chatID int64, photo []byte, caption, buttonText, callbackData string) error {
	msg := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "preview.jpg", Bytes: photo})
	msg.Caption = caption
	if buttonText != "" && callbackData != "" {
		msg.ReplyMarkup = inlineButton(buttonText, callbackData)
	}
	return t.send(ctx, "send_photo", msg)
}

// SendInvoice sends a Stars invoice: no provider token, a single price.
func (t *Transport) SendInvoice(ctx context.Context, chatID int64, inv outbox.Invoice) error {
	prices := []tgbotapi.LabeledPrice{{Label: inv.Label, Amount: inv.Amount}}
	msg := tgbotapi.NewInvoice(chatID, inv.Title, inv.Description, inv.Payload, "", "pay_hd", inv.Currency, prices)
	// a nil slice is sent as "null", which the API rejects
	msg.SuggestedTipAmounts = []int{}
	return t.send(ctx, "send_invoice", msg)
}

// AnswerPreCheckout accepts or rejects a pre-checkout query. PreCheckoutConfig
// drops ok=false, so the parameters are built here.
func (t *Transport) AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errorMessage string) error {
	const op = "answer_pre_checkout"
	if err := ctx.Err(); err != nil {
		return faults.New(faults.Timeout, op, err)
	}
	params := tgbotapi.Params{
		"pre_checkout_query_id": queryID,
		"ok":                    strconv.FormatBool(ok),
	}
	if !ok {
		params.AddNonEmpty("error_message", errorMessage)
	}
	if _, err := t.bot.MakeRequest("answerPreCheckoutQuery", params); err != nil {
		return classify(op, err)
	}
	return nil
}

// SendDocument sends data as a file named filename.
func (t *Transport) SendDocument(ctx context.Context, chatID int64, filename string, data []byte, caption string) error {
	msg := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: filename, Bytes: data})
	msg.Caption = caption
	return t.send(ctx, "send_document", msg)
}

// SendText sends a Markdown text message with an optional single inline
// button.
func (t *Transport) SendText(ctx context.Context, chatID int64, text, buttonText, callbackData string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if buttonText != "" && callbackData != "" {
		msg.ReplyMarkup = inlineButton(buttonText, callbackData)
	}
	return t.send(ctx, "send_text", msg)
}

func inlineButton(text, data string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(text, data)),
	)
}

// AnswerCallback acknowledges an inline button press.
func (t *Transport) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return t.request(ctx, "answer_callback", tgbotapi.NewCallback(callbackID, text))
}

func (t *Transport) send(ctx context.Context, op string, c tgbotapi.Chattable) error {
	if err := ctx.Err(); err != nil {
		return faults.New(faults.Timeout, op, err)
	}
	if _, err := t.bot.Send(c); err != nil {
		return classify(op, err)
	}
	return nil
}

func (t *Transport) request(ctx context.Context, op string, c tgbotapi.Chattable) error {
	if err := ctx.Err(); err != nil {
		return faults.New(faults.Timeout, op, err)
	}
	if _, err := t.bot.Request(c); err != nil {
		return classify(op, err)
	}
	return nil
}

// classify maps Bot API failures: flood control and server errors are
// retryable, other API errors are permanent, network errors are retryable.
func classify(op string, err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429 || apiErr.Code >= 500:
			if apiErr.RetryAfter > 0 {
				log.Warn().Int("retry_after", apiErr.RetryAfter).Str("op", op).Msg("Telegram flood control")
			}
			return faults.New(faults.UpstreamUnavailable, op, fmt.Errorf("telegram %d: %w", apiErr.Code, err))
		default:
			return faults.New(faults.UpstreamRejected, op, fmt.Errorf("telegram %d: %w", apiErr.Code, err))
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return faults.New(faults.Timeout, op, err)
	}
	return faults.New(faults.UpstreamUnavailable, op, err)
}
