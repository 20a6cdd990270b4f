package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/imrishuroy/go-hd-delivery/internal/cache"
	"github.com/imrishuroy/go-hd-delivery/internal/enhance"
	"github.com/imrishuroy/go-hd-delivery/internal/faults"
)

type fakeEnhancer struct {
	mu      sync.Mutex
	calls   map[enhance.Tier]int
	failHD  []error // consumed one per HD call
	reject  bool
	release chan struct{}
}

func newFakeEnhancer() *fakeEnhancer {
	return &fakeEnhancer{calls: map[enhance.Tier]int{}}
}

func (f *fakeEnhancer) Enhance(ctx context.Context, src []byte, tier enhance.Tier) ([]byte, error) {
	f.mu.Lock()
	f.calls[tier]++
	var err error
	if tier == enhance.TierHD && len(f.failHD) > 0 {
		err = f.failHD[0]
		f.failHD = f.failHD[1:]
	}
	if f.reject {
		err = faults.Errorf(faults.UpstreamRejected, "enhance", "unsupported image")
	}
	release := f.release
	f.mu.Unlock()

	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("%s:%s", tier, src)), nil
}

func (f *fakeEnhancer) count(tier enhance.Tier) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tier]
}

type fakeSources struct{}

func (fakeSources) Fetch(ctx context.Context, source string) ([]byte, error) {
	return []byte("src-" + source), nil
}

type fixture struct {
	machine  *Machine
	cache    *cache.Cache
	store    *MemoryStore
	enhancer *fakeEnhancer
	now      time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	fs, err := cache.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	f := &fixture{
		store:    NewMemoryStore(),
		enhancer: newFakeEnhancer(),
		now:      time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	tokens := 0
	base := []Option{
		WithTokenGenerator(func() string {
			tokens++
			return fmt.Sprintf("tok-%d", tokens)
		}),
		WithClock(func() time.Time { return f.now }),
	}
	f.cache = cache.New(fs)
	f.machine = NewMachine(f.store, f.cache, f.enhancer, fakeSources{}, append(base, opts...)...)
	return f
}

// advance drives a fresh record to target and returns its id.
func (f *fixture) advance(t *testing.T, user UserID, asset AssetRef, target State) string {
	t.Helper()
	ctx := context.Background()
	rec, err := f.machine.OnAssetReceived(ctx, user, asset, "file-"+string(asset), "en")
	if err != nil {
		t.Fatalf("OnAssetReceived: %v", err)
	}
	if target == StateReceived {
		return rec.ID
	}
	if _, err := f.machine.OnPreviewDelivered(ctx, rec.ID); err != nil {
		t.Fatalf("OnPreviewDelivered: %v", err)
	}
	if target == StatePreviewSent {
		return rec.ID
	}
	token, err := f.machine.OnInvoiceRequested(ctx, rec.ID)
	if err != nil {
		t.Fatalf("OnInvoiceRequested: %v", err)
	}
	if target == StateInvoiceIssued {
		return rec.ID
	}
	if _, err := f.machine.OnPaymentConfirmed(ctx, token); err != nil {
		t.Fatalf("OnPaymentConfirmed: %v", err)
	}
	if target == StatePaymentVerified {
		return rec.ID
	}
	if _, err := f.machine.OnHDRequested(ctx, rec.ID); err != nil {
		t.Fatalf("OnHDRequested: %v", err)
	}
	return rec.ID
}

func (f *fixture) state(t *testing.T, id string) State {
	t.Helper()
	rec, err := f.machine.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return rec.State
}

func TestMachine_FullPaidFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.machine.OnAssetReceived(ctx, "u1", "a1", "file-a1", "en")
	if err != nil {
		t.Fatalf("OnAssetReceived: %v", err)
	}
	if rec.State != StateReceived {
		t.Fatalf("expected RECEIVED, got %s", rec.State)
	}

	preview, err := f.machine.OnPreviewDelivered(ctx, rec.ID)
	if err != nil {
		t.Fatalf("OnPreviewDelivered: %v", err)
	}
	if !preview.Applied || preview.Record.State != StatePreviewSent {
		t.Fatalf("preview should apply: %+v", preview.Record)
	}
	if preview.Artifact == nil || string(preview.Artifact.Bytes) != "preview:src-file-a1" {
		t.Fatalf("unexpected preview artifact: %+v", preview.Artifact)
	}

	token, err := f.machine.OnInvoiceRequested(ctx, rec.ID)
	if err != nil {
		t.Fatalf("OnInvoiceRequested: %v", err)
	}
	if token != "tok-1" {
		t.Fatalf("expected tok-1, got %q", token)
	}

	if err := f.machine.OnPreCheckout(ctx, "tok-1"); err != nil {
		t.Fatalf("pre-checkout should accept tok-1: %v", err)
	}

	paid, err := f.machine.OnPaymentConfirmed(ctx, "tok-1")
	if err != nil {
		t.Fatalf("OnPaymentConfirmed: %v", err)
	}
	if !paid.Applied || paid.Record.State != StatePaymentVerified {
		t.Fatalf("payment should apply: %+v", paid.Record)
	}

	hd, err := f.machine.OnHDRequested(ctx, rec.ID)
	if err != nil {
		t.Fatalf("OnHDRequested: %v", err)
	}
	if !hd.Applied || hd.Record.State != StateHDDelivered {
		t.Fatalf("hd should apply: %+v", hd.Record)
	}
	if string(hd.Artifact.Bytes) != "hd:src-file-a1" {
		t.Fatalf("unexpected hd bytes %q", hd.Artifact.Bytes)
	}
	if hd.Record.ExpiresAt != f.now.Add(DefaultRetention).Unix() {
		t.Fatalf("terminal record should carry expiry, got %d", hd.Record.ExpiresAt)
	}

	again, err := f.machine.OnHDRequested(ctx, rec.ID)
	if err != nil {
		t.Fatalf("second OnHDRequested: %v", err)
	}
	if again.Applied {
		t.Fatalf("re-delivery must not apply a transition")
	}
	if string(again.Artifact.Bytes) != string(hd.Artifact.Bytes) {
		t.Fatalf("re-delivery must return identical bytes")
	}
	if n := f.enhancer.count(enhance.TierHD); n != 1 {
		t.Fatalf("expected exactly one HD production, got %d", n)
	}
}

func TestMachine_ForgedPayloadRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.advance(t, "u1", "a1", StateInvoiceIssued)

	err := f.machine.OnPreCheckout(ctx, "tok-x")
	if !faults.Is(err, faults.InvalidPayload) {
		t.Fatalf("expected InvalidPayload, got %v", err)
	}
	_, err = f.machine.OnPaymentConfirmed(ctx, "tok-x")
	if !faults.Is(err, faults.InvalidPayload) {
		t.Fatalf("expected InvalidPayload, got %v", err)
	}
	if err := f.machine.OnPreCheckout(ctx, ""); !faults.Is(err, faults.InvalidPayload) {
		t.Fatalf("expected InvalidPayload for empty payload, got %v", err)
	}
	if len(f.store.records) != 1 {
		t.Fatalf("forged payload must not create state, have %d records", len(f.store.records))
	}
}

func TestMachine_HDTimeoutLeavesRecordPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.advance(t, "u1", "a1", StatePaymentVerified)

	f.enhancer.failHD = []error{faults.Errorf(faults.Timeout, "enhance", "deadline exceeded")}

	_, err := f.machine.OnHDRequested(ctx, id)
	if !faults.Is(err, faults.Timeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if st := f.state(t, id); st != StatePaymentVerified {
		t.Fatalf("record must remain PAYMENT_VERIFIED after timeout, got %s", st)
	}

	hd, err := f.machine.OnHDRequested(ctx, id)
	if err != nil {
		t.Fatalf("retry OnHDRequested: %v", err)
	}
	if !hd.Applied || hd.Record.State != StateHDDelivered {
		t.Fatalf("retry should deliver: %+v", hd.Record)
	}
}

func TestMachine_DuplicatePaymentConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.advance(t, "u1", "a1", StatePaymentVerified)

	dup, err := f.machine.OnPaymentConfirmed(ctx, "tok-1")
	if err != nil {
		t.Fatalf("duplicate confirmation should not error: %v", err)
	}
	if dup.Applied {
		t.Fatalf("duplicate confirmation must not apply")
	}
	if dup.Record.State != StatePaymentVerified {
		t.Fatalf("unexpected state %s", dup.Record.State)
	}
}

func TestMachine_InvoiceTokenReused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.advance(t, "u1", "a1", StatePreviewSent)

	first, err := f.machine.OnInvoiceRequested(ctx, id)
	if err != nil {
		t.Fatalf("OnInvoiceRequested: %v", err)
	}
	second, err := f.machine.OnInvoiceRequested(ctx, id)
	if err != nil {
		t.Fatalf("second OnInvoiceRequested: %v", err)
	}
	if first != second {
		t.Fatalf("token must be reused: %q vs %q", first, second)
	}

	f.advance(t, "u2", "a1", StatePreviewSent)
	other, err := f.machine.OnInvoiceRequested(ctx, RecordID("u2", "a1"))
	if err != nil {
		t.Fatalf("OnInvoiceRequested for u2: %v", err)
	}
	if other == first {
		t.Fatalf("distinct records must not share a token")
	}
}

func TestMachine_PayloadCollisionRegenerates(t *testing.T) {
	f := newFixture(t, WithTokenGenerator(func() string { return "fixed" }))
	ctx := context.Background()
	f.advance(t, "u1", "a1", StateInvoiceIssued)
	id := f.advance(t, "u2", "a2", StatePreviewSent)

	_, err := f.machine.OnInvoiceRequested(ctx, id)
	if !faults.Is(err, faults.StorageFailure) {
		t.Fatalf("expected StorageFailure when no unique token can be allocated, got %v", err)
	}
	if st := f.state(t, id); st != StatePreviewSent {
		t.Fatalf("state must not advance, got %s", st)
	}
}

func TestMachine_IllegalTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.advance(t, "u1", "a1", StatePreviewSent)
	if _, err := f.machine.OnHDRequested(ctx, id); !faults.Is(err, faults.IllegalTransition) {
		t.Fatalf("HD before payment: expected IllegalTransition, got %v", err)
	}

	received := f.advance(t, "u1", "a2", StateReceived)
	if _, err := f.machine.OnInvoiceRequested(ctx, received); !faults.Is(err, faults.IllegalTransition) {
		t.Fatalf("invoice before preview: expected IllegalTransition, got %v", err)
	}

	delivered := f.advance(t, "u1", "a3", StateHDDelivered)
	if _, err := f.machine.OnInvoiceRequested(ctx, delivered); !faults.Is(err, faults.IllegalTransition) {
		t.Fatalf("invoice after delivery: expected IllegalTransition, got %v", err)
	}
	if _, err := f.machine.Fail(ctx, delivered, "late"); !faults.Is(err, faults.IllegalTransition) {
		t.Fatalf("failing a paid record: expected IllegalTransition, got %v", err)
	}

	// pre-checkout for a delivered record's token is refused
	rec, _ := f.machine.Get(ctx, delivered)
	if err := f.machine.OnPreCheckout(ctx, rec.Payload); !faults.Is(err, faults.IllegalTransition) {
		t.Fatalf("pre-checkout after payment: expected IllegalTransition, got %v", err)
	}

	if _, err := f.machine.OnHDRequested(ctx, "missing"); !faults.Is(err, faults.UnknownRecord) {
		t.Fatalf("expected UnknownRecord, got %v", err)
	}
}

func TestMachine_RedeliveredEventsAreAbsorbed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.machine.OnAssetReceived(ctx, "u1", "a1", "file-a1", "en")
	if err != nil {
		t.Fatalf("OnAssetReceived: %v", err)
	}
	second, err := f.machine.OnAssetReceived(ctx, "u1", "a1", "file-a1", "en")
	if err != nil {
		t.Fatalf("second OnAssetReceived: %v", err)
	}
	if first.ID != second.ID || len(f.store.records) != 1 {
		t.Fatalf("same (user, asset) must map to one record")
	}

	if _, err := f.machine.OnPreviewDelivered(ctx, first.ID); err != nil {
		t.Fatalf("OnPreviewDelivered: %v", err)
	}
	dup, err := f.machine.OnPreviewDelivered(ctx, first.ID)
	if err != nil {
		t.Fatalf("duplicate OnPreviewDelivered: %v", err)
	}
	if dup.Applied || dup.Artifact == nil {
		t.Fatalf("duplicate preview should return the artifact without applying")
	}
	if n := f.enhancer.count(enhance.TierPreview); n != 1 {
		t.Fatalf("expected one preview production, got %d", n)
	}
}

func TestMachine_RejectedSourceFailsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.advance(t, "u1", "a1", StateReceived)

	f.enhancer.reject = true
	_, err := f.machine.OnPreviewDelivered(ctx, id)
	if !faults.Is(err, faults.UpstreamRejected) {
		t.Fatalf("expected UpstreamRejected, got %v", err)
	}
	rec, err := f.machine.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != StateFailed || rec.FailureReason == "" {
		t.Fatalf("expected FAILED with a reason, got %+v", rec)
	}

	// Fail is a no-op on an already failed record.
	if _, err := f.machine.Fail(ctx, id, "again"); err != nil {
		t.Fatalf("Fail on failed record: %v", err)
	}
}

func TestMachine_TransientPreviewFailureKeepsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.advance(t, "u1", "a1", StateReceived)

	f.enhancer.mu.Lock()
	f.enhancer.release = make(chan struct{})
	f.enhancer.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := f.machine.OnPreviewDelivered(cctx, id)
	if !faults.IsRetryable(err) {
		t.Fatalf("expected a retryable fault, got %v", err)
	}
	close(f.enhancer.release)

	if st := f.state(t, id); st != StateReceived {
		t.Fatalf("transient failure must not advance state, got %s", st)
	}

	// the detached production still completes and is reused by the retry
	key := cache.KeyFor("a1", string(enhance.TierPreview))
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := f.cache.Load(key); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("detached production never stored the preview")
		}
		time.Sleep(5 * time.Millisecond)
	}
	d, err := f.machine.OnPreviewDelivered(ctx, id)
	if err != nil || !d.Applied {
		t.Fatalf("retry should apply: %v", err)
	}
	if c := f.enhancer.count(enhance.TierPreview); c != 1 {
		t.Fatalf("expected one preview production, got %d", c)
	}
}

func TestMachine_ConcurrentHDRequestsDeliverOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.advance(t, "u1", "a1", StatePaymentVerified)

	const n = 16
	var applied int32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.machine.OnHDRequested(ctx, id)
			if err != nil {
				errs <- err
				return
			}
			if d.Applied {
				atomic.AddInt32(&applied, 1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("OnHDRequested: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected exactly one applied delivery, got %d", applied)
	}
	if c := f.enhancer.count(enhance.TierHD); c != 1 {
		t.Fatalf("expected one HD production, got %d", c)
	}
}

func TestMachine_SweepArchivesTerminalRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	delivered := f.advance(t, "u1", "a1", StateHDDelivered)
	open := f.advance(t, "u1", "a2", StatePreviewSent)

	f.now = f.now.Add(DefaultRetention + time.Hour)
	n, err := f.machine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one archived record, got %d", n)
	}
	if _, err := f.machine.Get(ctx, delivered); !faults.Is(err, faults.UnknownRecord) {
		t.Fatalf("delivered record should be gone, got %v", err)
	}
	if st := f.state(t, open); st != StatePreviewSent {
		t.Fatalf("open record must survive sweep, got %s", st)
	}
}

type brokenStore struct{ *MemoryStore }

func (brokenStore) Create(ctx context.Context, rec Record) (Record, bool, error) {
	return Record{}, false, errors.New("disk full")
}

func TestMachine_StoreErrorsAreStorageFailures(t *testing.T) {
	fs, err := cache.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	m := NewMachine(brokenStore{NewMemoryStore()}, cache.New(fs), newFakeEnhancer(), fakeSources{})
	_, err = m.OnAssetReceived(context.Background(), "u1", "a1", "f", "en")
	if !faults.Is(err, faults.StorageFailure) {
		t.Fatalf("expected StorageFailure, got %v", err)
	}
	if _, err := m.OnAssetReceived(context.Background(), "", "a1", "f", "en"); !faults.Is(err, faults.InvalidPayload) {
		t.Fatalf("expected InvalidPayload for empty user, got %v", err)
	}
}
