package telegram

import (
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/imrishuroy/go-hd-delivery/internal/dispatch"
)

// Translate maps an update onto a dispatch event. Updates the pipeline does
// not handle report false.
func Translate(u tgbotapi.Update) (dispatch.Event, bool) {
	switch {
	case u.PreCheckoutQuery != nil:
		q := u.PreCheckoutQuery
		if q.From == nil {
			return nil, false
		}
		return dispatch.PreCheckoutQuery{
			QueryID:  q.ID,
			User:     userID(q.From),
			Payload:  q.InvoicePayload,
			Currency: q.Currency,
			Amount:   q.TotalAmount,
			Lang:     q.From.LanguageCode,
		}, true

	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		if q.From == nil {
			return nil, false
		}
		chatID := q.From.ID
		if q.Message != nil && q.Message.Chat != nil {
			chatID = q.Message.Chat.ID
		}
		return dispatch.InlineAction{
			CallbackID: q.ID,
			ChatID:     chatID,
			User:       userID(q.From),
			Data:       q.Data,
			Lang:       q.From.LanguageCode,
		}, true

	case u.Message != nil:
		return translateMessage(u.Message)
	}
	return nil, false
}

func translateMessage(m *tgbotapi.Message) (dispatch.Event, bool) {
	if m.From == nil || m.Chat == nil {
		return nil, false
	}
	user, lang := userID(m.From), m.From.LanguageCode

	if p := m.SuccessfulPayment; p != nil {
		return dispatch.PaymentConfirmed{
			ChatID:   m.Chat.ID,
			User:     user,
			Payload:  p.InvoicePayload,
			Currency: p.Currency,
			Amount:   p.TotalAmount,
			ChargeID: p.TelegramPaymentChargeID,
			Lang:     lang,
		}, true
	}
	if m.IsCommand() && m.Command() == "start" {
		return dispatch.Start{ChatID: m.Chat.ID, User: user, Lang: lang}, true
	}
	if len(m.Photo) > 0 {
		best := largest(m.Photo)
		return dispatch.NewPhoto{
			ChatID: m.Chat.ID,
			User:   user,
			Asset:  best.FileUniqueID,
			Source: best.FileID,
			Lang:   lang,
		}, true
	}
	return nil, false
}

// largest picks the size with the most pixels; Telegram usually lists it last.
func largest(sizes []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := sizes[0]
	for _, s := range sizes[1:] {
		if s.Width*s.Height >= best.Width*best.Height {
			best = s
		}
	}
	return best
}

func userID(u *tgbotapi.User) string {
	return strconv.FormatInt(u.ID, 10)
}
