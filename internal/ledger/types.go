package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/imrishuroy/go-hd-delivery/internal/cache"
)

// AssetRef identifies a source image (the provider's stable file id).
type AssetRef string

// UserID identifies the recipient on the messaging platform.
type UserID string

// State is the delivery lifecycle position of a record.
type State string

// Delivery states
const (
	StateReceived        State = "RECEIVED"
	StatePreviewSent     State = "PREVIEW_SENT"
	StateInvoiceIssued   State = "INVOICE_ISSUED"
	StatePaymentVerified State = "PAYMENT_VERIFIED"
	StateHDDelivered     State = "HD_DELIVERED"
	StateFailed          State = "FAILED"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateHDDelivered || s == StateFailed
}

// Record is the per-(user, asset) delivery state.
type Record struct {
	ID            string    `dynamodbav:"record_id"` // PK
	User          UserID    `dynamodbav:"user_id"`
	Asset         AssetRef  `dynamodbav:"asset"`
	Source        string    `dynamodbav:"source,omitempty"` // provider download handle
	State         State     `dynamodbav:"status"`
	Payload       string    `dynamodbav:"payload,omitempty"`
	FailureReason string    `dynamodbav:"failure_reason,omitempty"`
	PreviewKey    cache.Key `dynamodbav:"preview_key,omitempty"`
	HDKey         cache.Key `dynamodbav:"hd_key,omitempty"`
	Lang          string    `dynamodbav:"lang,omitempty"`
	CreatedAt     time.Time `dynamodbav:"created_at"`
	UpdatedAt     time.Time `dynamodbav:"updated_at"`
	ExpiresAt     int64     `dynamodbav:"expires_at,omitempty"` // TTL epoch seconds, set once terminal
}

// Delivery is the outcome of a state machine step that yields an artifact.
// Applied is false when the call found the step already done.
type Delivery struct {
	Record   Record
	Artifact *cache.Artifact
	Applied  bool
}

// RecordID returns the identity of the (user, asset) record. It is short
// enough to be embedded in inline button callback data.
func RecordID(user UserID, asset AssetRef) string {
	sum := sha256.Sum256([]byte(string(user) + "\x00" + string(asset)))
	return hex.EncodeToString(sum[:16])
}
