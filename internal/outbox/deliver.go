package outbox

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-hd-delivery/internal/cache"
	"github.com/imrishuroy/go-hd-delivery/internal/faults"
	"github.com/imrishuroy/go-hd-delivery/internal/metrics"
)

// Metric names
const (
	MetricDelivered      = "ActionDelivered"
	MetricDeliveryFailed = "ActionDeliveryFailed"
)

// Transport performs the platform calls behind each action kind.
type Transport interface {
	SendPhoto(ctx context.Context, chatID int64, photo []byte, caption, buttonText, callbackData string) error
	SendInvoice(ctx context.Context, chatID int64, inv Invoice) error
	AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errorMessage string) error
	SendDocument(ctx context.Context, chatID int64, filename string, data []byte, caption string) error
	SendText(ctx context.Context, chatID int64, text, buttonText, callbackData string) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// ArtifactLoader reads stored artifacts. *cache.Cache and *cache.FileStore
// satisfy it.
type ArtifactLoader interface {
	Load(key cache.Key) (*cache.Artifact, bool, error)
}

// Deliverer executes actions against a Transport.
type Deliverer struct {
	transport Transport
	artifacts ArtifactLoader
	counter   metrics.Counter
}

var _ Handler = (*Deliverer)(nil)

// NewDeliverer creates a new Deliverer. counter may be nil.
func NewDeliverer(transport Transport, artifacts ArtifactLoader, counter metrics.Counter) *Deliverer {
	if counter == nil {
		counter = metrics.Nop{}
	}
	return &Deliverer{transport: transport, artifacts: artifacts, counter: counter}
}

// Deliver runs a. Returned errors are classified; unclassified transport
// errors are treated as UpstreamUnavailable.
func (d *Deliverer) Deliver(ctx context.Context, a Action) error {
	err := d.deliver(ctx, a)
	if err != nil {
		if faults.KindOf(err) == faults.KindUnknown {
			err = faults.New(faults.UpstreamUnavailable, string(a.Kind), err)
		}
		d.counter.Incr(MetricDeliveryFailed)
		return err
	}
	d.counter.Incr(MetricDelivered)
	log.Debug().Str("kind", string(a.Kind)).Int64("chat_id", a.ChatID).Str("record_id", a.RecordID).Msg("Action delivered")
	return nil
}

func (d *Deliverer) deliver(ctx context.Context, a Action) error {
	switch a.Kind {
	case KindSendPreview:
		data, err := d.load(a.ArtifactKey)
		if err != nil {
			return err
		}
		return d.transport.SendPhoto(ctx, a.ChatID, data, a.Caption, a.ButtonText, a.CallbackData)
	case KindSendDocument:
		data, err := d.load(a.ArtifactKey)
		if err != nil {
			return err
		}
		return d.transport.SendDocument(ctx, a.ChatID, a.Filename, data, a.Caption)
	case KindSendInvoice:
		if a.Invoice == nil {
			return faults.Errorf(faults.InvalidPayload, string(a.Kind), "missing invoice")
		}
		return d.transport.SendInvoice(ctx, a.ChatID, *a.Invoice)
	case KindAnswerPreCheckout:
		return d.transport.AnswerPreCheckout(ctx, a.QueryID, a.OK, a.ErrorMessage)
	case KindSendText:
		return d.transport.SendText(ctx, a.ChatID, a.Text, a.ButtonText, a.CallbackData)
	case KindAnswerCallback:
		return d.transport.AnswerCallback(ctx, a.QueryID, a.Text)
	default:
		return faults.Errorf(faults.InvalidPayload, "deliver", "unknown action kind %q", a.Kind)
	}
}

func (d *Deliverer) load(key cache.Key) ([]byte, error) {
	art, ok, err := d.artifacts.Load(key)
	if err != nil {
		return nil, faults.New(faults.StorageFailure, "load artifact", err)
	}
	if !ok {
		return nil, faults.New(faults.StorageFailure, "load artifact", fmt.Errorf("artifact %s not found", key))
	}
	return art.Bytes, nil
}
