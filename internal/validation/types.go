package validation

// WebhookHeaders are the headers the messaging platform sends with every
// webhook delivery.
type WebhookHeaders struct {
	SecretToken string `header:"X-Telegram-Bot-Api-Secret-Token"`
}
