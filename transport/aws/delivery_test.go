package aws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	"github.com/drblury/relayflow/internal/runtime/messaging"
	"github.com/drblury/relayflow/transport"
	"github.com/drblury/relayflow/transport/transporttest"
)

// queueSubscriber hands out a single message and settles it the way the SQS
// subscriber does: an ack deletes it from the queue, a nack leaves it for
// redelivery once its visibility timeout expires.
type queueSubscriber struct {
	transporttest.Subscriber
	msg *message.Message

	mu      sync.Mutex
	deleted int
	nacked  int
	settled chan struct{}
}

func newQueueSubscriber(t *testing.T) *queueSubscriber {
	t.Helper()
	env, err := envelope.New(envelope.FileUploadedEvent{FileEntryID: "file-1"}, "corr-1")
	require.NoError(t, err)
	msg, err := envelope.Encode(env)
	require.NoError(t, err)
	return &queueSubscriber{msg: msg, settled: make(chan struct{})}
}

func (s *queueSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if _, err := s.Subscriber.Subscribe(ctx, topic); err != nil {
		return nil, err
	}
	out := make(chan *message.Message)
	go func() {
		defer close(out)
		select {
		case out <- s.msg:
		case <-ctx.Done():
			return
		}
		select {
		case <-s.msg.Acked():
			s.mu.Lock()
			s.deleted++
			s.mu.Unlock()
		case <-s.msg.Nacked():
			s.mu.Lock()
			s.nacked++
			s.mu.Unlock()
		case <-ctx.Done():
			return
		}
		close(s.settled)
		<-ctx.Done()
	}()
	return out, nil
}

func (s *queueSubscriber) counts() (deleted, nacked int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted, s.nacked
}

func receiveFailing(t *testing.T, tr transport.Transport, provider, topic string) {
	t.Helper()
	receiver := messaging.NewReceiver[envelope.FileUploadedEvent](tr.Subscriber, messaging.ReceiverOptions{
		Provider: provider,
		Topic:    topic,
		Policy:   transport.PolicyRedeliver,
		Classify: tr.Classify,
	})
	sub, err := receiver.Receive(context.Background(), func(context.Context, envelope.Envelope[envelope.FileUploadedEvent]) error {
		return errors.New("notification server unavailable")
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sub.Stop(ctx)
	})
}

func TestFailedCallbackKeepsMessageQueued(t *testing.T) {
	t.Run("sqs", func(t *testing.T) {
		stubLoader(t, nil)
		stubSQS(t)
		sub := newQueueSubscriber(t)
		SQSPublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return &transporttest.Publisher{}, nil
		}
		SQSSubscriberFactory = func(cfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return sub, nil
		}

		tr, err := BuildSQS(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		receiveFailing(t, tr, SQSTransportName, "file-uploaded")

		select {
		case <-sub.settled:
		case <-time.After(time.Second):
			t.Fatal("message was never settled")
		}
		deleted, nacked := sub.counts()
		assert.Equal(t, 0, deleted)
		assert.Equal(t, 1, nacked)
	})

	t.Run("sns", func(t *testing.T) {
		stubLoader(t, nil)
		stubSNS(t)
		sub := newQueueSubscriber(t)
		SNSPublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return &transporttest.Publisher{}, nil
		}
		SNSSubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return sub, nil
		}

		tr, err := BuildSNS(context.Background(), &transporttest.Config{AWSAccountID: "123456789012"}, watermill.NopLogger{})
		require.NoError(t, err)
		receiveFailing(t, tr, SNSTransportName, "file-uploaded")

		select {
		case <-sub.settled:
		case <-time.After(time.Second):
			t.Fatal("message was never settled")
		}
		deleted, nacked := sub.counts()
		assert.Equal(t, 0, deleted)
		assert.Equal(t, 1, nacked)
		assert.Equal(t, []string{"file-uploaded"}, sub.Topics)
	})
}
