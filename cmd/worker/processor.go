package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-hd-delivery/internal/faults"
	"github.com/imrishuroy/go-hd-delivery/internal/outbox"
)

// Processor delivers outbox actions read from SQS.
type Processor struct {
	handler  outbox.Handler
	validate *validatorv10.Validate
}

// NewProcessor creates a new worker processor.
func NewProcessor(handler outbox.Handler, validate *validatorv10.Validate) *Processor {
	return &Processor{handler: handler, validate: validate}
}

// Handle processes an SQS batch. Messages failing with a retryable fault are
// reported back so SQS redelivers them; after maxReceiveCount they move to
// the DLQ. Malformed messages and permanent failures are logged and acked.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	log.Info().Int("messages", len(ev.Records)).Int("failed", len(resp.BatchItemFailures)).Msg("SQS batch processed")
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	a, err := outbox.Decode(rec.Body)
	if err != nil {
		log.Error().Err(err).Str("message_id", rec.MessageId).Msg("Dropping undecodable message")
		return nil
	}
	if err := p.validate.Struct(a); err != nil {
		log.Error().Err(err).Str("message_id", rec.MessageId).Str("kind", string(a.Kind)).Msg("Dropping invalid action")
		return nil
	}

	logger := log.With().Str("message_id", rec.MessageId).Str("kind", string(a.Kind)).Str("record_id", a.RecordID).Logger()
	if err := p.handler.Deliver(ctx, a); err != nil {
		if faults.IsRetryable(err) {
			logger.Warn().Err(err).Msg("Delivery failed, leaving message for redelivery")
			return err
		}
		logger.Error().Err(err).Msg("Delivery rejected, dropping action")
		return nil
	}
	logger.Debug().Msg("Action delivered")
	return nil
}
