package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/imrishuroy/go-hd-delivery/internal/cache"
	"github.com/imrishuroy/go-hd-delivery/internal/enhance"
	"github.com/imrishuroy/go-hd-delivery/internal/faults"
	"github.com/imrishuroy/go-hd-delivery/internal/ledger"
	"github.com/imrishuroy/go-hd-delivery/internal/locale"
	"github.com/imrishuroy/go-hd-delivery/internal/outbox"
	"github.com/imrishuroy/go-hd-delivery/internal/validation"
)

type recordingOutbox struct {
	mu      sync.Mutex
	actions []outbox.Action
}

func (r *recordingOutbox) Enqueue(ctx context.Context, a outbox.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
	return nil
}

// drain returns and forgets the recorded actions.
func (r *recordingOutbox) drain() []outbox.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.actions
	r.actions = nil
	return out
}

type scriptedEnhancer struct {
	mu     sync.Mutex
	calls  map[enhance.Tier]int
	errs   map[enhance.Tier][]error
	always map[enhance.Tier]error
}

func newScriptedEnhancer() *scriptedEnhancer {
	return &scriptedEnhancer{
		calls:  map[enhance.Tier]int{},
		errs:   map[enhance.Tier][]error{},
		always: map[enhance.Tier]error{},
	}
}

func (s *scriptedEnhancer) Enhance(ctx context.Context, src []byte, tier enhance.Tier) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[tier]++
	if err := s.always[tier]; err != nil {
		return nil, err
	}
	if q := s.errs[tier]; len(q) > 0 {
		s.errs[tier] = q[1:]
		return nil, q[0]
	}
	return []byte(fmt.Sprintf("%s:%s", tier, src)), nil
}

func (s *scriptedEnhancer) set(fn func(s *scriptedEnhancer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *scriptedEnhancer) count(tier enhance.Tier) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[tier]
}

type staticSources struct{}

func (staticSources) Fetch(ctx context.Context, source string) ([]byte, error) {
	return []byte(source), nil
}

type harness struct {
	d        *Dispatcher
	out      *recordingOutbox
	enhancer *scriptedEnhancer
	machine  *ledger.Machine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fs, err := cache.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	h := &harness{out: &recordingOutbox{}, enhancer: newScriptedEnhancer()}
	tokens := 0
	h.machine = ledger.NewMachine(ledger.NewMemoryStore(), cache.New(fs), h.enhancer, staticSources{},
		ledger.WithTokenGenerator(func() string {
			tokens++
			return fmt.Sprintf("tok-%d", tokens)
		}))
	h.d = New(h.machine, h.out, locale.MustLoad(), validation.New(), Options{
		Amount:   100,
		Currency: "XTR",
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
		},
	})
	return h
}

func (h *harness) handle(t *testing.T, ev Event) []outbox.Action {
	t.Helper()
	if err := h.d.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle(%T): %v", ev, err)
	}
	return h.out.drain()
}

func only(t *testing.T, actions []outbox.Action, kind outbox.Kind) outbox.Action {
	t.Helper()
	if len(actions) != 1 || actions[0].Kind != kind {
		t.Fatalf("expected a single %s action, got %+v", kind, actions)
	}
	return actions[0]
}

func photo(user string) NewPhoto {
	return NewPhoto{ChatID: 10, User: user, Asset: "asset-1", Source: "file-1", Lang: "en"}
}

// payFor walks a fresh photo through preview and invoice and returns the
// invoice payload.
func (h *harness) payFor(t *testing.T, user string) (string, string) {
	t.Helper()
	preview := only(t, h.handle(t, photo(user)), outbox.KindSendPreview)
	actions := h.handle(t, InlineAction{CallbackID: "cb-1", ChatID: 10, User: user, Data: preview.CallbackData, Lang: "en"})
	if len(actions) != 2 || actions[0].Kind != outbox.KindAnswerCallback || actions[1].Kind != outbox.KindSendInvoice {
		t.Fatalf("expected callback answer and invoice, got %+v", actions)
	}
	return preview.RecordID, actions[1].Invoice.Payload
}

func TestDispatcher_Start(t *testing.T) {
	h := newHarness(t)
	a := only(t, h.handle(t, Start{ChatID: 10, User: "u1", Lang: "ru"}), outbox.KindSendText)
	if !strings.Contains(a.Text, "DreamShot") || a.ChatID != 10 {
		t.Fatalf("unexpected start message %+v", a)
	}
}

func TestDispatcher_PaidFlowDeliversHDOnce(t *testing.T) {
	h := newHarness(t)

	preview := only(t, h.handle(t, photo("u1")), outbox.KindSendPreview)
	if preview.CallbackData != CallbackData(ActionInvoice, preview.RecordID) {
		t.Fatalf("unexpected callback data %q", preview.CallbackData)
	}
	if preview.ArtifactKey.Tier() != string(enhance.TierPreview) {
		t.Fatalf("preview must reference the preview artifact, got %s", preview.ArtifactKey)
	}

	actions := h.handle(t, InlineAction{CallbackID: "cb-1", ChatID: 10, User: "u1", Data: preview.CallbackData, Lang: "en"})
	if len(actions) != 2 {
		t.Fatalf("expected 2 actions, got %+v", actions)
	}
	inv := actions[1].Invoice
	if inv == nil || inv.Payload != "tok-1" || inv.Currency != "XTR" || inv.Amount != 100 {
		t.Fatalf("unexpected invoice %+v", inv)
	}

	answer := only(t, h.handle(t, PreCheckoutQuery{QueryID: "q-1", User: "u1", Payload: "tok-1", Currency: "XTR", Amount: 100}), outbox.KindAnswerPreCheckout)
	if !answer.OK {
		t.Fatalf("pre-checkout for tok-1 must be accepted: %+v", answer)
	}

	doc := only(t, h.handle(t, PaymentConfirmed{ChatID: 10, User: "u1", Payload: "tok-1", ChargeID: "ch-1"}), outbox.KindSendDocument)
	if doc.Filename != DefaultHDFilename || doc.ArtifactKey.Tier() != string(enhance.TierHD) {
		t.Fatalf("unexpected document action %+v", doc)
	}

	if actions := h.handle(t, PaymentConfirmed{ChatID: 10, User: "u1", Payload: "tok-1", ChargeID: "ch-1"}); len(actions) != 0 {
		t.Fatalf("duplicate confirmation must send nothing, got %+v", actions)
	}

	if n := h.enhancer.count(enhance.TierHD); n != 1 {
		t.Fatalf("expected one HD production, got %d", n)
	}
}

func TestDispatcher_HDRedeliveryReturnsSameArtifact(t *testing.T) {
	h := newHarness(t)
	id, token := h.payFor(t, "u1")
	first := only(t, h.handle(t, PaymentConfirmed{ChatID: 10, User: "u1", Payload: token}), outbox.KindSendDocument)

	actions := h.handle(t, InlineAction{CallbackID: "cb-9", ChatID: 10, User: "u1", Data: CallbackData(ActionHD, id)})
	if len(actions) != 2 || actions[1].Kind != outbox.KindSendDocument {
		t.Fatalf("expected re-delivered document, got %+v", actions)
	}
	if actions[1].ArtifactKey != first.ArtifactKey {
		t.Fatalf("re-delivery must reference the same artifact")
	}
	if n := h.enhancer.count(enhance.TierHD); n != 1 {
		t.Fatalf("re-delivery must not regenerate, got %d productions", n)
	}
}

func TestDispatcher_ForgedPayloadRejectedAtPreCheckout(t *testing.T) {
	h := newHarness(t)
	h.payFor(t, "u1")

	answer := only(t, h.handle(t, PreCheckoutQuery{QueryID: "q-x", User: "u1", Payload: "tok-x"}), outbox.KindAnswerPreCheckout)
	if answer.OK || answer.ErrorMessage == "" {
		t.Fatalf("forged payload must be rejected with a reason: %+v", answer)
	}

	notice := only(t, h.handle(t, PaymentConfirmed{ChatID: 10, User: "u1", Payload: "tok-x"}), outbox.KindSendText)
	if notice.Text != locale.MustLoad().T("en", locale.PaymentInvalid) {
		t.Fatalf("unexpected notice %q", notice.Text)
	}
	if n := h.enhancer.count(enhance.TierHD); n != 0 {
		t.Fatalf("forged payment must not produce HD, got %d", n)
	}
}

func TestDispatcher_RetriesTransientHDFailures(t *testing.T) {
	h := newHarness(t)
	_, token := h.payFor(t, "u1")
	h.enhancer.set(func(s *scriptedEnhancer) {
		s.errs[enhance.TierHD] = []error{
			faults.Errorf(faults.UpstreamUnavailable, "enhance", "503"),
			faults.Errorf(faults.Timeout, "enhance", "deadline"),
		}
	})

	only(t, h.handle(t, PaymentConfirmed{ChatID: 10, User: "u1", Payload: token}), outbox.KindSendDocument)
	if n := h.enhancer.count(enhance.TierHD); n != 3 {
		t.Fatalf("expected 3 HD attempts, got %d", n)
	}
}

func TestDispatcher_HDOutageKeepsPaymentAndRecovers(t *testing.T) {
	h := newHarness(t)
	id, token := h.payFor(t, "u1")
	h.enhancer.set(func(s *scriptedEnhancer) {
		s.always[enhance.TierHD] = faults.Errorf(faults.Timeout, "enhance", "deadline")
	})

	notice := only(t, h.handle(t, PaymentConfirmed{ChatID: 10, User: "u1", Payload: token}), outbox.KindSendText)
	catalog := locale.MustLoad()
	if notice.Text != catalog.T("en", locale.HDPending) {
		t.Fatalf("unexpected notice %q", notice.Text)
	}
	if notice.CallbackData != CallbackData(ActionHD, id) || notice.ButtonText != catalog.T("en", locale.ButtonRetryHD) {
		t.Fatalf("pending notice must carry an HD button, got %+v", notice)
	}
	rec, err := h.machine.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != ledger.StatePaymentVerified {
		t.Fatalf("record must stay PAYMENT_VERIFIED, got %s", rec.State)
	}

	// still down: pressing the button keeps the payment and offers it again
	actions := h.handle(t, InlineAction{CallbackID: "cb-2", ChatID: 10, User: "u1", Data: notice.CallbackData, Lang: "en"})
	if len(actions) != 2 || actions[1].Kind != outbox.KindSendText || actions[1].CallbackData != notice.CallbackData {
		t.Fatalf("expected another pending notice with the button, got %+v", actions)
	}

	h.enhancer.set(func(s *scriptedEnhancer) { delete(s.always, enhance.TierHD) })

	actions = h.handle(t, InlineAction{CallbackID: "cb-3", ChatID: 10, User: "u1", Data: notice.CallbackData, Lang: "en"})
	if len(actions) != 2 || actions[0].Kind != outbox.KindAnswerCallback || actions[1].Kind != outbox.KindSendDocument {
		t.Fatalf("expected callback answer and document, got %+v", actions)
	}
	if actions[1].ArtifactKey.Tier() != string(enhance.TierHD) {
		t.Fatalf("unexpected document action %+v", actions[1])
	}
	if rec, _ := h.machine.Get(context.Background(), id); rec.State != ledger.StateHDDelivered {
		t.Fatalf("expected HD_DELIVERED after the button, got %s", rec.State)
	}

	if actions := h.handle(t, PaymentConfirmed{ChatID: 10, User: "u1", Payload: token}); len(actions) != 0 {
		t.Fatalf("late confirmation must send nothing, got %+v", actions)
	}
}

// pausingMachine holds the first payment confirmation after its transition
// until release is closed.
type pausingMachine struct {
	*ledger.Machine
	once    sync.Once
	paused  chan struct{}
	release chan struct{}
}

func (p *pausingMachine) OnPaymentConfirmed(ctx context.Context, payload string) (ledger.Delivery, error) {
	d, err := p.Machine.OnPaymentConfirmed(ctx, payload)
	first := false
	p.once.Do(func() { first = true })
	if first {
		close(p.paused)
		<-p.release
	}
	return d, err
}

func TestDispatcher_ConcurrentConfirmationsSendOneDocument(t *testing.T) {
	h := newHarness(t)
	_, token := h.payFor(t, "u1")

	pm := &pausingMachine{Machine: h.machine, paused: make(chan struct{}), release: make(chan struct{})}
	d := New(pm, h.out, locale.MustLoad(), validation.New(), h.d.opts)
	ctx := context.Background()
	confirm := PaymentConfirmed{ChatID: 10, User: "u1", Payload: token, ChargeID: "ch-1"}

	errc := make(chan error, 1)
	go func() { errc <- d.Handle(ctx, confirm) }()
	<-pm.paused

	if err := d.Handle(ctx, confirm); err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	close(pm.release)
	if err := <-errc; err != nil {
		t.Fatalf("first Handle: %v", err)
	}

	docs := 0
	for _, a := range h.out.drain() {
		if a.Kind == outbox.KindSendDocument {
			docs++
		}
	}
	if docs != 1 {
		t.Fatalf("expected exactly one document, got %d", docs)
	}
	if n := h.enhancer.count(enhance.TierHD); n != 1 {
		t.Fatalf("expected one HD production, got %d", n)
	}
}

func TestDispatcher_ResentPhotoAfterPaymentRedelivers(t *testing.T) {
	h := newHarness(t)
	_, token := h.payFor(t, "u1")
	only(t, h.handle(t, PaymentConfirmed{ChatID: 10, User: "u1", Payload: token}), outbox.KindSendDocument)

	only(t, h.handle(t, photo("u1")), outbox.KindSendDocument)
}

func TestDispatcher_DuplicatePhotoIsAbsorbed(t *testing.T) {
	h := newHarness(t)
	only(t, h.handle(t, photo("u1")), outbox.KindSendPreview)
	if actions := h.handle(t, photo("u1")); len(actions) != 0 {
		t.Fatalf("redelivered photo must not send another preview, got %+v", actions)
	}
	if n := h.enhancer.count(enhance.TierPreview); n != 1 {
		t.Fatalf("expected one preview production, got %d", n)
	}
}

func TestDispatcher_RejectedImage(t *testing.T) {
	h := newHarness(t)
	h.enhancer.set(func(s *scriptedEnhancer) {
		s.always[enhance.TierPreview] = faults.Errorf(faults.UpstreamRejected, "enhance", "415")
	})
	notice := only(t, h.handle(t, photo("u1")), outbox.KindSendText)
	if notice.Text != locale.MustLoad().T("en", locale.Rejected) {
		t.Fatalf("unexpected notice %q", notice.Text)
	}
	if n := h.enhancer.count(enhance.TierPreview); n != 1 {
		t.Fatalf("permanent failures must not be retried, got %d attempts", n)
	}
}

func TestDispatcher_InlineActionGuards(t *testing.T) {
	h := newHarness(t)
	preview := only(t, h.handle(t, photo("u1")), outbox.KindSendPreview)
	notAvailable := locale.MustLoad().T("en", locale.NotAvailable)

	actions := h.handle(t, InlineAction{CallbackID: "cb", ChatID: 99, User: "intruder", Data: preview.CallbackData})
	if len(actions) != 2 || actions[1].Text != notAvailable {
		t.Fatalf("foreign record must be refused, got %+v", actions)
	}

	actions = h.handle(t, InlineAction{CallbackID: "cb", ChatID: 10, User: "u1", Data: "bogus"})
	if len(actions) != 2 || actions[1].Text != notAvailable {
		t.Fatalf("malformed data must be refused, got %+v", actions)
	}

	actions = h.handle(t, InlineAction{CallbackID: "cb", ChatID: 10, User: "u1", Data: CallbackData(ActionHD, preview.RecordID)})
	if len(actions) != 2 || actions[1].Text != locale.MustLoad().T("en", locale.NotPaid) {
		t.Fatalf("HD before payment must ask for payment, got %+v", actions)
	}

	actions = h.handle(t, InlineAction{CallbackID: "cb", ChatID: 10, User: "u1", Data: CallbackData(ActionInvoice, "0000")})
	if len(actions) != 2 || actions[1].Text != locale.MustLoad().T("en", locale.UnknownPhoto) {
		t.Fatalf("unknown record must be reported, got %+v", actions)
	}
}

func TestDispatcher_InvalidEvent(t *testing.T) {
	h := newHarness(t)
	err := h.d.Handle(context.Background(), NewPhoto{ChatID: 10, User: "u1"})
	if !faults.Is(err, faults.InvalidPayload) {
		t.Fatalf("expected InvalidPayload, got %v", err)
	}
	if actions := h.out.drain(); len(actions) != 0 {
		t.Fatalf("invalid event must not produce actions, got %+v", actions)
	}
}

type countingHandler struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (c *countingHandler) Handle(ctx context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.err
}

func TestPool_ProcessesAllEvents(t *testing.T) {
	h := &countingHandler{err: errors.New("logged, not fatal")}
	p := NewPool(h, 4, 8)
	p.Start(context.Background())
	for i := 0; i < 20; i++ {
		if err := p.Submit(context.Background(), Start{ChatID: int64(i + 1), User: "u"}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	p.Close()

	if len(h.events) != 20 {
		t.Fatalf("expected 20 handled events, got %d", len(h.events))
	}
	if err := p.Submit(context.Background(), Start{}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestInline_HandlesSynchronously(t *testing.T) {
	h := &countingHandler{}
	if err := (Inline{Handler: h}).Submit(context.Background(), Start{ChatID: 1, User: "u"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(h.events) != 1 {
		t.Fatalf("expected the event to be handled inline")
	}
}
