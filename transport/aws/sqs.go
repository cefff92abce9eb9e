package aws

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/drblury/relayflow/transport"
)

// SQSTransportName is the name used to register the queue transport.
const SQSTransportName = "sqs"

// SQSPublisherFactory allows overriding the SQS publisher creation for testing.
var SQSPublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sqs.NewPublisher(cfg, logger)
}

// SQSSubscriberFactory allows overriding the SQS subscriber creation for testing.
var SQSSubscriberFactory = func(cfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sqs.NewSubscriber(cfg, logger)
}

// BuildSQS creates a transport that sends to and receives from SQS queues
// named after the topic. Queues are created on first use.
func BuildSQS(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	awsCfg, err := createAWSConfig(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	opts, err := sqsOptions(awsCfg)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := SQSPublisherFactory(sqs.PublisherConfig{
		AWSConfig: *awsCfg,
		OptFns:    opts,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SQSSubscriberFactory(sqs.SubscriberConfig{
		AWSConfig: *awsCfg,
		OptFns:    opts,
	}, logger)
	if err != nil {
		return transport.Transport{}, errors.Join(err, publisher.Close())
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Classify:   Classify,
	}, nil
}

func sqsOptions(awsCfg *aws.Config) ([]func(*amazonsqs.Options), error) {
	endpoint, err := overrideEndpoint(awsCfg)
	if err != nil || endpoint == nil {
		return nil, err
	}
	return []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: *endpoint}),
	}, nil
}
