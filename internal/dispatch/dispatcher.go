package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-hd-delivery/internal/faults"
	"github.com/imrishuroy/go-hd-delivery/internal/ledger"
	"github.com/imrishuroy/go-hd-delivery/internal/locale"
	"github.com/imrishuroy/go-hd-delivery/internal/metrics"
	"github.com/imrishuroy/go-hd-delivery/internal/outbox"
)

// Inline button actions, encoded as "<action>:<record id>".
const (
	ActionInvoice = "invoice"
	ActionHD      = "hd"
)

// DefaultHDFilename is the document name of delivered HD files.
const DefaultHDFilename = "DreamShot_HD.jpg"

// Metric names
const (
	MetricEventPrefix   = "Event"
	MetricInvalidEvent  = "EventInvalid"
	MetricNoticeSent    = "NoticeSent"
	MetricPaymentOrphan = "PaymentUnmatched"
)

// CallbackData encodes an inline button payload.
func CallbackData(action, recordID string) string {
	return action + ":" + recordID
}

func parseCallback(data string) (action, recordID string, ok bool) {
	action, recordID, ok = strings.Cut(data, ":")
	return action, recordID, ok && recordID != ""
}

// Machine is the subset of the delivery state machine the dispatcher drives.
type Machine interface {
	OnAssetReceived(ctx context.Context, user ledger.UserID, asset ledger.AssetRef, source, lang string) (ledger.Record, error)
	OnPreviewDelivered(ctx context.Context, id string) (ledger.Delivery, error)
	OnInvoiceRequested(ctx context.Context, id string) (string, error)
	OnPreCheckout(ctx context.Context, payload string) error
	OnPaymentConfirmed(ctx context.Context, payload string) (ledger.Delivery, error)
	OnHDRequested(ctx context.Context, id string) (ledger.Delivery, error)
	Get(ctx context.Context, id string) (ledger.Record, error)
}

// Options holds the opaque invoice and delivery parameters.
type Options struct {
	Amount     int
	Currency   string
	HDFilename string
	// NewBackOff builds the retry schedule for retryable machine faults.
	NewBackOff func() backoff.BackOff
	Counter    metrics.Counter
}

// Dispatcher routes events. It adds no de-duplication of its own: redelivered
// events are absorbed by the idempotence of the machine operations.
type Dispatcher struct {
	machine  Machine
	out      outbox.Outbox
	catalog  *locale.Catalog
	validate *validatorv10.Validate
	opts     Options
}

// New creates a Dispatcher.
func New(machine Machine, out outbox.Outbox, catalog *locale.Catalog, validate *validatorv10.Validate, opts Options) *Dispatcher {
	if opts.HDFilename == "" {
		opts.HDFilename = DefaultHDFilename
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}
	if opts.Counter == nil {
		opts.Counter = metrics.Nop{}
	}
	return &Dispatcher{machine: machine, out: out, catalog: catalog, validate: validate, opts: opts}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 300 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 45 * time.Second
	return b
}

// Handle processes one event. Faults that concern the user are turned into
// notices and are not returned; the returned error means an event was
// malformed or an action could not be enqueued.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) error {
	if err := d.validate.Struct(ev); err != nil {
		d.opts.Counter.Incr(MetricInvalidEvent)
		return faults.New(faults.InvalidPayload, "validate event", err)
	}

	switch e := ev.(type) {
	case Start:
		d.opts.Counter.Incr(MetricEventPrefix + "Start")
		return d.handleStart(ctx, e)
	case NewPhoto:
		d.opts.Counter.Incr(MetricEventPrefix + "NewPhoto")
		return d.handleNewPhoto(ctx, e)
	case InlineAction:
		d.opts.Counter.Incr(MetricEventPrefix + "InlineAction")
		return d.handleInlineAction(ctx, e)
	case PreCheckoutQuery:
		d.opts.Counter.Incr(MetricEventPrefix + "PreCheckout")
		return d.handlePreCheckout(ctx, e)
	case PaymentConfirmed:
		d.opts.Counter.Incr(MetricEventPrefix + "PaymentConfirmed")
		return d.handlePaymentConfirmed(ctx, e)
	default:
		return faults.Errorf(faults.InvalidPayload, "dispatch", "unsupported event %T", ev)
	}
}

func (d *Dispatcher) handleStart(ctx context.Context, e Start) error {
	return d.out.Enqueue(ctx, outbox.Action{
		Kind:   outbox.KindSendText,
		ChatID: e.ChatID,
		Text:   d.catalog.T(e.Lang, locale.Start),
	})
}

func (d *Dispatcher) handleNewPhoto(ctx context.Context, e NewPhoto) error {
	rec, err := retry(ctx, d, "asset_received", func() (ledger.Record, error) {
		return d.machine.OnAssetReceived(ctx, ledger.UserID(e.User), ledger.AssetRef(e.Asset), e.Source, e.Lang)
	})
	if err != nil {
		return d.notify(ctx, e.ChatID, e.Lang, err)
	}

	preview, err := retry(ctx, d, "preview_delivered", func() (ledger.Delivery, error) {
		return d.machine.OnPreviewDelivered(ctx, rec.ID)
	})
	if err != nil {
		return d.notify(ctx, e.ChatID, e.Lang, err)
	}

	if preview.Applied {
		return d.out.Enqueue(ctx, outbox.Action{
			Kind:         outbox.KindSendPreview,
			ChatID:       e.ChatID,
			RecordID:     rec.ID,
			ArtifactKey:  preview.Artifact.Key,
			Caption:      d.catalog.T(e.Lang, locale.Caption),
			ButtonText:   d.catalog.T(e.Lang, locale.ButtonHD),
			CallbackData: CallbackData(ActionInvoice, rec.ID),
		})
	}

	// The same photo again: a paid record gets its HD file re-delivered.
	switch preview.Record.State {
	case ledger.StatePaymentVerified, ledger.StateHDDelivered:
		return d.deliverHD(ctx, e.ChatID, e.Lang, rec.ID, true)
	}
	log.Info().Str("record_id", rec.ID).Str("state", string(preview.Record.State)).Msg("Photo already previewed, nothing to send")
	return nil
}

func (d *Dispatcher) handleInlineAction(ctx context.Context, e InlineAction) error {
	if err := d.out.Enqueue(ctx, outbox.Action{Kind: outbox.KindAnswerCallback, QueryID: e.CallbackID}); err != nil {
		return err
	}

	action, id, ok := parseCallback(e.Data)
	if !ok || (action != ActionInvoice && action != ActionHD) {
		return d.notice(ctx, e.ChatID, e.Lang, locale.NotAvailable)
	}

	rec, err := retry(ctx, d, "get", func() (ledger.Record, error) {
		return d.machine.Get(ctx, id)
	})
	if err != nil {
		return d.notify(ctx, e.ChatID, e.Lang, err)
	}
	if string(rec.User) != e.User {
		log.Warn().Str("record_id", id).Str("user", e.User).Msg("Inline action on a record owned by another user")
		return d.notice(ctx, e.ChatID, e.Lang, locale.NotAvailable)
	}

	if action == ActionHD {
		return d.deliverHD(ctx, e.ChatID, e.Lang, id, true)
	}

	token, err := retry(ctx, d, "invoice_requested", func() (string, error) {
		return d.machine.OnInvoiceRequested(ctx, id)
	})
	if err != nil {
		return d.notify(ctx, e.ChatID, e.Lang, err)
	}
	return d.out.Enqueue(ctx, outbox.Action{
		Kind:     outbox.KindSendInvoice,
		ChatID:   e.ChatID,
		RecordID: id,
		Invoice: &outbox.Invoice{
			Title:       d.catalog.T(e.Lang, locale.InvoiceTitle),
			Description: d.catalog.T(e.Lang, locale.InvoiceDesc),
			Payload:     token,
			Currency:    d.opts.Currency,
			Label:       d.catalog.T(e.Lang, locale.InvoiceLabel),
			Amount:      d.opts.Amount,
		},
	})
}

// handlePreCheckout always answers the query. It makes a single attempt: the
// platform only waits a few seconds for the answer.
func (d *Dispatcher) handlePreCheckout(ctx context.Context, e PreCheckoutQuery) error {
	answer := outbox.Action{Kind: outbox.KindAnswerPreCheckout, QueryID: e.QueryID, OK: true}
	if err := d.machine.OnPreCheckout(ctx, e.Payload); err != nil {
		log.Warn().Err(err).Str("user", e.User).Str("payload", e.Payload).Msg("Pre-checkout rejected")
		answer.OK = false
		answer.ErrorMessage = d.catalog.T(e.Lang, noticeKey(err))
	}
	return d.out.Enqueue(ctx, answer)
}

func (d *Dispatcher) handlePaymentConfirmed(ctx context.Context, e PaymentConfirmed) error {
	paid, err := retry(ctx, d, "payment_confirmed", func() (ledger.Delivery, error) {
		return d.machine.OnPaymentConfirmed(ctx, e.Payload)
	})
	if err != nil {
		if faults.Is(err, faults.InvalidPayload) {
			d.opts.Counter.Incr(MetricPaymentOrphan)
			log.Error().Err(err).Str("user", e.User).Str("charge_id", e.ChargeID).Msg("Payment does not match any invoice")
		}
		return d.notify(ctx, e.ChatID, e.Lang, err)
	}

	if !paid.Applied && paid.Record.State != ledger.StatePaymentVerified {
		log.Info().Str("record_id", paid.Record.ID).Str("charge_id", e.ChargeID).Msg("Duplicate payment confirmation, HD already delivered")
		return nil
	}
	return d.deliverHD(ctx, e.ChatID, e.Lang, paid.Record.ID, false)
}

// deliverHD sends the HD document of a paid record. With resend unset the
// document goes out only from the call that moved the record to HDDelivered,
// so concurrent confirmations of one payment yield a single file.
func (d *Dispatcher) deliverHD(ctx context.Context, chatID int64, lang, id string, resend bool) error {
	hd, err := retry(ctx, d, "hd_requested", func() (ledger.Delivery, error) {
		return d.machine.OnHDRequested(ctx, id)
	})
	if err != nil {
		if faults.IsRetryable(err) {
			// still PaymentVerified: the button asks for the file again
			d.opts.Counter.Incr(MetricNoticeSent)
			return d.out.Enqueue(ctx, outbox.Action{
				Kind:         outbox.KindSendText,
				ChatID:       chatID,
				RecordID:     id,
				Text:         d.catalog.T(lang, locale.HDPending),
				ButtonText:   d.catalog.T(lang, locale.ButtonRetryHD),
				CallbackData: CallbackData(ActionHD, id),
			})
		}
		if faults.Is(err, faults.IllegalTransition) {
			return d.notice(ctx, chatID, lang, locale.NotPaid)
		}
		return d.notify(ctx, chatID, lang, err)
	}
	if !resend && !hd.Applied {
		log.Info().Str("record_id", id).Msg("HD already delivered by a concurrent confirmation")
		return nil
	}
	return d.out.Enqueue(ctx, outbox.Action{
		Kind:        outbox.KindSendDocument,
		ChatID:      chatID,
		RecordID:    id,
		ArtifactKey: hd.Artifact.Key,
		Filename:    d.opts.HDFilename,
		Caption:     d.catalog.T(lang, locale.Delivered),
	})
}

// notify turns a classified fault into a user notice.
func (d *Dispatcher) notify(ctx context.Context, chatID int64, lang string, err error) error {
	log.Warn().Err(err).Int64("chat_id", chatID).Str("kind", faults.KindOf(err).String()).Msg("Delivery step failed")
	return d.notice(ctx, chatID, lang, noticeKey(err))
}

func (d *Dispatcher) notice(ctx context.Context, chatID int64, lang, key string) error {
	d.opts.Counter.Incr(MetricNoticeSent)
	return d.out.Enqueue(ctx, outbox.Action{
		Kind:   outbox.KindSendText,
		ChatID: chatID,
		Text:   d.catalog.T(lang, key),
	})
}

func noticeKey(err error) string {
	switch faults.KindOf(err) {
	case faults.UpstreamUnavailable, faults.Timeout:
		return locale.Busy
	case faults.UpstreamRejected:
		return locale.Rejected
	case faults.InvalidPayload:
		return locale.PaymentInvalid
	case faults.UnknownRecord:
		return locale.UnknownPhoto
	case faults.IllegalTransition:
		return locale.NotAvailable
	default:
		return locale.StorageError
	}
}

// retry calls fn until it succeeds, fails permanently or the backoff gives
// up. Only retryable faults are retried.
func retry[T any](ctx context.Context, d *Dispatcher, op string, fn func() (T, error)) (T, error) {
	var out T
	attempt := func() error {
		v, err := fn()
		if err != nil {
			if !faults.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = v
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Debug().Err(err).Str("op", op).Dur("retry_in", wait).Msg("Retrying machine call")
	}
	err := backoff.RetryNotify(attempt, backoff.WithContext(d.opts.NewBackOff(), ctx), notify)
	if err != nil && faults.KindOf(err) == faults.KindUnknown {
		err = faults.New(faults.Timeout, op, fmt.Errorf("gave up: %w", err))
	}
	return out, err
}
