// Package ledger tracks each (user, asset) pair through the paid delivery
// lifecycle and guarantees HD artifacts are released only after a verified
// payment.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-hd-delivery/internal/cache"
	"github.com/imrishuroy/go-hd-delivery/internal/enhance"
	"github.com/imrishuroy/go-hd-delivery/internal/faults"
	"github.com/imrishuroy/go-hd-delivery/internal/metrics"
)

// DefaultRetention is how long terminal records are kept before archival.
const DefaultRetention = 48 * time.Hour

const maxTokenAttempts = 3

// ArtifactCache produces or returns finished artifacts.
type ArtifactCache interface {
	GetOrCreate(ctx context.Context, key cache.Key, produce cache.Producer) (*cache.Artifact, error)
}

// Enhancer transforms source bytes for a tier.
type Enhancer interface {
	Enhance(ctx context.Context, src []byte, tier enhance.Tier) ([]byte, error)
}

// SourceFetcher downloads the original image behind a provider handle.
type SourceFetcher interface {
	Fetch(ctx context.Context, source string) ([]byte, error)
}

// Machine applies delivery transitions. All transitions of one record are
// serialized; unrelated records proceed in parallel.
type Machine struct {
	store     Store
	artifacts ArtifactCache
	enhancer  Enhancer
	sources   SourceFetcher
	locks     *keyLocks
	newToken  func() string
	nowFunc   func() time.Time
	retention time.Duration
	counter   metrics.Counter
}

// Option configures a Machine.
type Option func(*Machine)

// WithTokenGenerator replaces the invoice payload generator.
func WithTokenGenerator(gen func() string) Option {
	return func(m *Machine) { m.newToken = gen }
}

// WithRetention sets how long terminal records are kept. Zero keeps them.
func WithRetention(d time.Duration) Option {
	return func(m *Machine) { m.retention = d }
}

// WithCounter reports transition metrics to c.
func WithCounter(c metrics.Counter) Option {
	return func(m *Machine) { m.counter = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.nowFunc = now }
}

// NewMachine wires a Machine.
func NewMachine(store Store, artifacts ArtifactCache, enhancer Enhancer, sources SourceFetcher, opts ...Option) *Machine {
	m := &Machine{
		store:     store,
		artifacts: artifacts,
		enhancer:  enhancer,
		sources:   sources,
		locks:     newKeyLocks(),
		newToken:  uuid.NewString,
		nowFunc:   time.Now,
		retention: DefaultRetention,
		counter:   metrics.Nop{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnAssetReceived creates the record for (user, asset) in Received, or
// returns the existing one.
func (m *Machine) OnAssetReceived(ctx context.Context, user UserID, asset AssetRef, source, lang string) (Record, error) {
	const op = "asset_received"
	if user == "" || asset == "" {
		return Record{}, faults.Errorf(faults.InvalidPayload, op, "user and asset are required")
	}
	id := RecordID(user, asset)
	unlock, err := m.lock(ctx, op, id)
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	rec, created, err := m.store.Create(ctx, Record{
		ID:     id,
		User:   user,
		Asset:  asset,
		Source: source,
		State:  StateReceived,
		Lang:   lang,
	})
	if err != nil {
		return Record{}, faults.New(faults.StorageFailure, op, err)
	}
	if created {
		m.counter.Incr("State" + string(StateReceived))
		log.Info().Str("record_id", id).Str("user", string(user)).Str("asset", string(asset)).Msg("Delivery record created")
	}
	return rec, nil
}

// OnPreviewDelivered produces the preview artifact and moves Received to
// PreviewSent. For records already past Received the cached preview is
// returned with Applied=false.
func (m *Machine) OnPreviewDelivered(ctx context.Context, id string) (Delivery, error) {
	const op = "preview_delivered"
	unlock, err := m.lock(ctx, op, id)
	if err != nil {
		return Delivery{}, err
	}
	defer unlock()

	rec, err := m.mustGet(ctx, op, id)
	if err != nil {
		return Delivery{}, err
	}
	if rec.State == StateFailed {
		return Delivery{}, illegal(op, rec.State)
	}

	key := cache.KeyFor(string(rec.Asset), string(enhance.TierPreview))
	artifact, err := m.artifacts.GetOrCreate(ctx, key, m.producer(rec, enhance.TierPreview))
	if err != nil {
		if faults.Is(err, faults.UpstreamRejected) && rec.State == StateReceived {
			if _, failErr := m.failLocked(ctx, rec, err.Error()); failErr != nil {
				log.Error().Err(failErr).Str("record_id", id).Msg("Failed to mark record failed")
			}
		}
		return Delivery{}, err
	}

	if rec.State != StateReceived {
		return Delivery{Record: rec, Artifact: artifact}, nil
	}

	next, err := m.transition(ctx, op, rec, StatePreviewSent, Patch{PreviewKey: key})
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{Record: next, Artifact: artifact, Applied: true}, nil
}

// OnInvoiceRequested binds a fresh payload token to the record and moves
// PreviewSent to InvoiceIssued. A record already in InvoiceIssued returns its
// existing token.
func (m *Machine) OnInvoiceRequested(ctx context.Context, id string) (string, error) {
	const op = "invoice_requested"
	unlock, err := m.lock(ctx, op, id)
	if err != nil {
		return "", err
	}
	defer unlock()

	rec, err := m.mustGet(ctx, op, id)
	if err != nil {
		return "", err
	}

	switch rec.State {
	case StateInvoiceIssued:
		return rec.Payload, nil
	case StatePreviewSent:
	default:
		return "", illegal(op, rec.State)
	}

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token := m.newToken()
		next, err := m.store.Transition(ctx, rec.ID, StatePreviewSent, StateInvoiceIssued, Patch{Payload: token})
		if errors.Is(err, ErrPayloadTaken) {
			log.Warn().Str("record_id", id).Msg("Invoice payload collision, regenerating")
			continue
		}
		if err != nil {
			return "", m.storeError(op, rec, err)
		}
		m.logTransition(rec, next)
		return next.Payload, nil
	}
	return "", faults.Errorf(faults.StorageFailure, op, "could not allocate a unique payload")
}

// OnPreCheckout accepts (nil) a pre-checkout query only when payload belongs
// to a record in InvoiceIssued.
func (m *Machine) OnPreCheckout(ctx context.Context, payload string) error {
	const op = "pre_checkout"
	rec, err := m.byPayload(ctx, op, payload)
	if err != nil {
		return err
	}
	if rec.State != StateInvoiceIssued {
		return illegal(op, rec.State)
	}
	return nil
}

// OnPaymentConfirmed moves the record bound to payload from InvoiceIssued to
// PaymentVerified. A repeated confirmation returns the record unchanged with
// Applied=false.
func (m *Machine) OnPaymentConfirmed(ctx context.Context, payload string) (Delivery, error) {
	const op = "payment_confirmed"
	found, err := m.byPayload(ctx, op, payload)
	if err != nil {
		return Delivery{}, err
	}
	unlock, err := m.lock(ctx, op, found.ID)
	if err != nil {
		return Delivery{}, err
	}
	defer unlock()

	rec, err := m.mustGet(ctx, op, found.ID)
	if err != nil {
		return Delivery{}, err
	}

	switch rec.State {
	case StateInvoiceIssued:
		next, err := m.transition(ctx, op, rec, StatePaymentVerified, Patch{})
		if err != nil {
			return Delivery{}, err
		}
		return Delivery{Record: next, Applied: true}, nil
	case StatePaymentVerified, StateHDDelivered:
		log.Info().Str("record_id", rec.ID).Str("state", string(rec.State)).Msg("Duplicate payment confirmation ignored")
		return Delivery{Record: rec}, nil
	default:
		return Delivery{}, illegal(op, rec.State)
	}
}

// OnHDRequested returns the HD artifact of a paid record, producing it on
// first request and moving PaymentVerified to HDDelivered. Records already in
// HDDelivered get the stored artifact again with Applied=false.
func (m *Machine) OnHDRequested(ctx context.Context, id string) (Delivery, error) {
	const op = "hd_requested"
	unlock, err := m.lock(ctx, op, id)
	if err != nil {
		return Delivery{}, err
	}
	defer unlock()

	rec, err := m.mustGet(ctx, op, id)
	if err != nil {
		return Delivery{}, err
	}
	if rec.State != StatePaymentVerified && rec.State != StateHDDelivered {
		return Delivery{}, illegal(op, rec.State)
	}

	key := cache.KeyFor(string(rec.Asset), string(enhance.TierHD))
	artifact, err := m.artifacts.GetOrCreate(ctx, key, m.producer(rec, enhance.TierHD))
	if err != nil {
		// A paid record is never failed; it stays in PaymentVerified for a retry.
		return Delivery{}, err
	}

	if rec.State == StateHDDelivered {
		return Delivery{Record: rec, Artifact: artifact}, nil
	}

	next, err := m.transition(ctx, op, rec, StateHDDelivered, Patch{HDKey: key})
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{Record: next, Artifact: artifact, Applied: true}, nil
}

// Fail moves a record that has not been paid for to Failed. Failing an
// already failed record is a no-op.
func (m *Machine) Fail(ctx context.Context, id, reason string) (Record, error) {
	const op = "fail"
	unlock, err := m.lock(ctx, op, id)
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	rec, err := m.mustGet(ctx, op, id)
	if err != nil {
		return Record{}, err
	}
	return m.failLocked(ctx, rec, reason)
}

// Get returns a record by id.
func (m *Machine) Get(ctx context.Context, id string) (Record, error) {
	return m.mustGet(ctx, "get", id)
}

// Sweep archives expired terminal records.
func (m *Machine) Sweep(ctx context.Context) (int, error) {
	n, err := m.store.Sweep(ctx, m.nowFunc())
	if err != nil {
		return 0, faults.New(faults.StorageFailure, "sweep", err)
	}
	return n, nil
}

// RunSweeper calls Sweep on every tick until ctx is done.
func (m *Machine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Record sweep failed")
			} else if n > 0 {
				log.Info().Int("removed", n).Msg("Expired delivery records archived")
			}
		}
	}
}

func (m *Machine) failLocked(ctx context.Context, rec Record, reason string) (Record, error) {
	const op = "fail"
	switch rec.State {
	case StateFailed:
		return rec, nil
	case StatePaymentVerified, StateHDDelivered:
		return Record{}, illegal(op, rec.State)
	}
	if reason == "" {
		reason = "unspecified"
	}
	return m.transition(ctx, op, rec, StateFailed, Patch{FailureReason: reason})
}

func (m *Machine) producer(rec Record, tier enhance.Tier) cache.Producer {
	source := rec.Source
	if source == "" {
		source = string(rec.Asset)
	}
	return func(ctx context.Context) ([]byte, error) {
		src, err := m.sources.Fetch(ctx, source)
		if err != nil {
			if faults.KindOf(err) == faults.KindUnknown {
				return nil, faults.New(faults.UpstreamUnavailable, "fetch source", err)
			}
			return nil, err
		}
		return m.enhancer.Enhance(ctx, src, tier)
	}
}

// transition applies a compare-and-set move. Records entering a terminal
// state get an expiry.
func (m *Machine) transition(ctx context.Context, op string, rec Record, to State, patch Patch) (Record, error) {
	if to.Terminal() && patch.ExpiresAt == 0 {
		patch.ExpiresAt = m.expiry()
	}
	next, err := m.store.Transition(ctx, rec.ID, rec.State, to, patch)
	if err != nil {
		return Record{}, m.storeError(op, rec, err)
	}
	m.logTransition(rec, next)
	return next, nil
}

func (m *Machine) logTransition(prev, next Record) {
	m.counter.Incr("State" + string(next.State))
	log.Info().
		Str("record_id", next.ID).
		Str("from", string(prev.State)).
		Str("to", string(next.State)).
		Msg("Delivery record transitioned")
}

func (m *Machine) storeError(op string, rec Record, err error) error {
	if errors.Is(err, ErrStatusMismatch) {
		// Another writer moved the record between our read and the write.
		return faults.Errorf(faults.IllegalTransition, op, "record %s changed concurrently from %s", rec.ID, rec.State)
	}
	return faults.New(faults.StorageFailure, op, err)
}

func (m *Machine) byPayload(ctx context.Context, op, payload string) (Record, error) {
	if payload == "" {
		return Record{}, faults.Errorf(faults.InvalidPayload, op, "empty payload")
	}
	rec, err := m.store.FindByPayload(ctx, payload)
	if err != nil {
		return Record{}, faults.New(faults.StorageFailure, op, err)
	}
	if rec == nil {
		return Record{}, faults.Errorf(faults.InvalidPayload, op, "payload %q is not bound to any invoice", payload)
	}
	return *rec, nil
}

func (m *Machine) mustGet(ctx context.Context, op, id string) (Record, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return Record{}, faults.New(faults.StorageFailure, op, err)
	}
	if rec == nil {
		return Record{}, faults.Errorf(faults.UnknownRecord, op, "record %s not found", id)
	}
	return *rec, nil
}

func (m *Machine) lock(ctx context.Context, op, id string) (func(), error) {
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, faults.New(faults.Timeout, op, err)
	}
	return unlock, nil
}

func (m *Machine) expiry() int64 {
	if m.retention <= 0 {
		return 0
	}
	return m.nowFunc().Add(m.retention).Unix()
}

func illegal(op string, state State) error {
	return faults.Errorf(faults.IllegalTransition, op, "not permitted from %s", state)
}
