package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog/log"
)

// Clients holds the ledger table, outbox queue and metrics clients, all built
// from one shared config.
type Clients struct {
	DynamoDB   DynamoDBAPI
	SQS        SQSAPI
	CloudWatch CloudWatchAPI
	Region     string
}

// NewClients loads the AWS config once and builds every client from it.
func NewClients(ctx context.Context) (*Clients, error) {
	cfg, err := LoadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS clients configured")

	return &Clients{
		DynamoDB:   dynamodb.NewFromConfig(cfg),
		SQS:        sqs.NewFromConfig(cfg),
		CloudWatch: cloudwatch.NewFromConfig(cfg),
		Region:     cfg.Region,
	}, nil
}
