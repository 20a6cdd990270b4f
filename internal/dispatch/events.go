// Package dispatch turns inbound platform events into delivery state machine
// calls and outbound actions.
package dispatch

// Event is one inbound occurrence. The concrete types below are the only
// implementations; Dispatcher.Handle switches over them exhaustively.
type Event interface {
	event()
}

// Start is the /start command.
type Start struct {
	ChatID int64  `validate:"required"`
	User   string `validate:"required"`
	Lang   string
}

// NewPhoto is a photo sent by a user. Asset is the platform's stable file id
// and Source the handle used to download it.
type NewPhoto struct {
	ChatID int64  `validate:"required"`
	User   string `validate:"required"`
	Asset  string `validate:"required"`
	Source string `validate:"required"`
	Lang   string
}

// InlineAction is a press of an inline button carrying Data.
type InlineAction struct {
	CallbackID string `validate:"required"`
	ChatID     int64  `validate:"required"`
	User       string `validate:"required"`
	Data       string `validate:"required,callbackdata"`
	Lang       string
}

// PreCheckoutQuery asks whether a payment for Payload may proceed. It must be
// answered in every case, so Payload is not required here.
type PreCheckoutQuery struct {
	QueryID  string `validate:"required"`
	User     string `validate:"required"`
	Payload  string
	Currency string
	Amount   int
	Lang     string
}

// PaymentConfirmed reports a completed payment for Payload.
type PaymentConfirmed struct {
	ChatID   int64  `validate:"required"`
	User     string `validate:"required"`
	Payload  string
	Currency string
	Amount   int
	ChargeID string
	Lang     string
}

func (Start) event()            {}
func (NewPhoto) event()         {}
func (InlineAction) event()     {}
func (PreCheckoutQuery) event() {}
func (PaymentConfirmed) event() {}
