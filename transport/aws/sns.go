package aws

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/drblury/relayflow/transport"
)

// SNSTransportName is the name used to register the fan-out transport.
const SNSTransportName = "sns"

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// SNSPublisherFactory allows overriding the SNS publisher creation for testing.
var SNSPublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SNSSubscriberFactory allows overriding the SNS subscriber creation for testing.
var SNSSubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

// BuildSNS creates a transport that publishes to SNS topics and receives
// through an SQS queue subscribed to each topic.
func BuildSNS(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	awsCfg, err := createAWSConfig(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	accountID, region := resolveAccountAndRegion(cfg, logger, awsCfg.Region)
	topicResolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"accountID": accountID,
			"region":    region,
		})
		return transport.Transport{}, err
	}

	snsOpts, sqsOpts, err := snsOptions(awsCfg)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := SNSPublisherFactory(sns.PublisherConfig{
		TopicResolver: topicResolver,
		AWSConfig:     *awsCfg,
		OptFns:        snsOpts,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SNSSubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            *awsCfg,
			OptFns:               snsOpts,
			TopicResolver:        topicResolver,
			GenerateSqsQueueName: QueueNameGenerator(cfg.GetSNSSubscriptionQueues()),
		},
		sqs.SubscriberConfig{
			AWSConfig: *awsCfg,
			OptFns:    sqsOpts,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, errors.Join(err, publisher.Close())
	}

	// Subscription queues must exist before the first publish or SNS drops the message.
	topics := transport.RouteTopics(cfg.GetSNSSubscriptionQueues())
	if err := transport.CreateTopics(ctx, publisher, topics); err != nil {
		return transport.Transport{}, errors.Join(err, subscriber.Close(), publisher.Close())
	}
	if err := transport.InitializeSubscriptions(ctx, subscriber, topics); err != nil {
		return transport.Transport{}, errors.Join(err, subscriber.Close(), publisher.Close())
	}

	logger.Info("SNS transport ready", watermill.LogFields{
		"accountID":     accountID,
		"region":        region,
		"subscriptions": len(cfg.GetSNSSubscriptionQueues()),
	})

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Classify:   Classify,
	}, nil
}

// QueueNameGenerator names the SQS queue subscribed to an SNS topic. Topics
// without a configured queue get a queue of the same name.
func QueueNameGenerator(queues map[string]string) func(context.Context, sns.TopicArn) (string, error) {
	return func(ctx context.Context, snsTopic sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
		if err != nil {
			return "", err
		}
		if queue, ok := queues[string(topic)]; ok && queue != "" {
			return queue, nil
		}
		return string(topic), nil
	}
}

func snsOptions(awsCfg *aws.Config) ([]func(*amazonsns.Options), []func(*amazonsqs.Options), error) {
	endpoint, err := overrideEndpoint(awsCfg)
	if err != nil || endpoint == nil {
		return nil, nil, err
	}
	snsOpts := []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: *endpoint}),
	}
	sqsOpts := []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: *endpoint}),
	}
	return snsOpts, sqsOpts, nil
}
