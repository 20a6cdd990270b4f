package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/imrishuroy/go-hd-delivery/internal/faults"
)

// maxSourceBytes is the Bot API download limit.
const maxSourceBytes = 20 << 20

// Fetcher downloads user photos by file id.
type Fetcher struct {
	client  tgbotapi.HTTPClient
	resolve func(fileID string) (string, error)
}

// NewFetcher creates a Fetcher using the bot's HTTP client.
func NewFetcher(bot *tgbotapi.BotAPI) *Fetcher {
	return &Fetcher{client: bot.Client, resolve: bot.GetFileDirectURL}
}

// Fetch resolves fileID to a download URL and returns the file bytes.
func (f *Fetcher) Fetch(ctx context.Context, fileID string) ([]byte, error) {
	const op = "fetch source"
	link, err := f.resolve(fileID)
	if err != nil {
		return nil, classify(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, faults.New(faults.InvalidPayload, op, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, faults.New(faults.Timeout, op, err)
		}
		return nil, classify(op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, faults.Errorf(faults.UpstreamUnavailable, op, "status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, faults.Errorf(faults.UpstreamRejected, op, "status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes+1))
	if err != nil {
		return nil, faults.New(faults.UpstreamUnavailable, op, fmt.Errorf("read body: %w", err))
	}
	if len(data) > maxSourceBytes {
		return nil, faults.Errorf(faults.UpstreamRejected, op, "source exceeds %d bytes", maxSourceBytes)
	}
	if len(data) == 0 {
		return nil, faults.Errorf(faults.UpstreamRejected, op, "empty source")
	}
	return data, nil
}
