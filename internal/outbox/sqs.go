package outbox

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-hd-delivery/internal/aws"
	"github.com/imrishuroy/go-hd-delivery/internal/faults"
)

// SQS publishes actions to a queue consumed by the worker. Retries and
// dead-lettering are left to the queue's redrive policy.
type SQS struct {
	publisher *aws.Publisher
}

var _ Outbox = (*SQS)(nil)

// NewSQS creates an SQS outbox over publisher.
func NewSQS(publisher *aws.Publisher) *SQS {
	return &SQS{publisher: publisher}
}

// Enqueue publishes a with its kind and record id as message attributes.
func (s *SQS) Enqueue(ctx context.Context, a Action) error {
	body, err := a.Encode()
	if err != nil {
		return faults.New(faults.InvalidPayload, "enqueue", err)
	}
	msgID, err := s.publisher.Publish(ctx, body, map[string]string{
		"kind":      string(a.Kind),
		"record_id": a.RecordID,
	})
	if err != nil {
		return faults.New(faults.UpstreamUnavailable, "enqueue", err)
	}
	log.Debug().Str("message_id", msgID).Str("kind", string(a.Kind)).Msg("Action published")
	return nil
}
