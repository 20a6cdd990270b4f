// Package outbox carries outbound user-facing actions from the dispatcher to
// the messaging transport, either through an in-process retry queue or
// through SQS.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/imrishuroy/go-hd-delivery/internal/cache"
)

// Kind tags an Action.
type Kind string

// Action kinds
const (
	KindSendPreview       Kind = "send_preview"
	KindSendInvoice       Kind = "send_invoice"
	KindAnswerPreCheckout Kind = "answer_pre_checkout"
	KindSendDocument      Kind = "send_document"
	KindSendText          Kind = "send_text"
	KindAnswerCallback    Kind = "answer_callback"
)

// Invoice describes a payment request. Amount is in the smallest unit of
// Currency.
type Invoice struct {
	Title       string `json:"title" validate:"required"`
	Description string `json:"description" validate:"required"`
	Payload     string `json:"payload" validate:"required,max=128"`
	Currency    string `json:"currency" validate:"required,currency"`
	Label       string `json:"label" validate:"required"`
	Amount      int    `json:"amount" validate:"required,gt=0"`
}

// Action is one outbound step. Artifact bytes are referenced by key so an
// Action can be serialized onto a queue.
type Action struct {
	Kind     Kind   `json:"kind" validate:"required,oneof=send_preview send_invoice answer_pre_checkout send_document send_text answer_callback"`
	ChatID   int64  `json:"chat_id,omitempty" validate:"required_if=Kind send_preview,required_if=Kind send_invoice,required_if=Kind send_document,required_if=Kind send_text"`
	RecordID string `json:"record_id,omitempty"`

	ArtifactKey  cache.Key `json:"artifact_key,omitempty" validate:"required_if=Kind send_preview,required_if=Kind send_document"`
	Filename     string    `json:"filename,omitempty" validate:"required_if=Kind send_document"`
	Caption      string    `json:"caption,omitempty"`
	ButtonText   string    `json:"button_text,omitempty"`
	CallbackData string    `json:"callback_data,omitempty" validate:"omitempty,callbackdata"`

	Text    string   `json:"text,omitempty" validate:"required_if=Kind send_text"`
	Invoice *Invoice `json:"invoice,omitempty" validate:"required_if=Kind send_invoice"`

	QueryID      string `json:"query_id,omitempty" validate:"required_if=Kind answer_pre_checkout,required_if=Kind answer_callback"`
	OK           bool   `json:"ok,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Encode returns the JSON form of a.
func (a Action) Encode() (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode action: %w", err)
	}
	return string(b), nil
}

// Decode parses an Action from its JSON form.
func Decode(body string) (Action, error) {
	var a Action
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return Action{}, fmt.Errorf("decode action: %w", err)
	}
	return a, nil
}

// Outbox accepts actions for delivery. Enqueue returning nil means the action
// will be attempted; it does not mean it was delivered.
type Outbox interface {
	Enqueue(ctx context.Context, a Action) error
}

// Handler delivers one action.
type Handler interface {
	Deliver(ctx context.Context, a Action) error
}
