package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/transport"
	"github.com/drblury/relayflow/transport/kafka"
	"github.com/drblury/relayflow/transport/transporttest"
)

const topic = "file-uploaded"

func newPubSub(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

func uploaded(t *testing.T, fileID, correlationID string) envelope.Envelope[envelope.FileUploadedEvent] {
	t.Helper()
	env, err := envelope.New(envelope.FileUploadedEvent{FileEntryID: fileID}, correlationID)
	require.NoError(t, err)
	return env
}

type recorded struct {
	mu   sync.Mutex
	envs []envelope.Envelope[envelope.FileUploadedEvent]
}

func (r *recorded) add(env envelope.Envelope[envelope.FileUploadedEvent]) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return len(r.envs)
}

func (r *recorded) all() []envelope.Envelope[envelope.FileUploadedEvent] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]envelope.Envelope[envelope.FileUploadedEvent](nil), r.envs...)
}

func receive(t *testing.T, r *SubscriberReceiver[envelope.FileUploadedEvent], cb Callback[envelope.FileUploadedEvent]) *Subscription {
	t.Helper()
	sub, err := r.Receive(context.Background(), cb)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sub.Stop(ctx)
	})
	return sub
}

func TestSendReceiveRoundTrip(t *testing.T) {
	ps := newPubSub(t)
	sender := NewSender[envelope.FileUploadedEvent](ps, SenderOptions{Provider: "channel", Topic: topic})
	receiver := NewReceiver[envelope.FileUploadedEvent](ps, ReceiverOptions{Provider: "channel", Topic: topic})

	got := &recorded{}
	receive(t, receiver, func(_ context.Context, env envelope.Envelope[envelope.FileUploadedEvent]) error {
		got.add(env)
		return nil
	})

	sent := uploaded(t, "abc123", "corr-1")
	require.NoError(t, sender.Send(context.Background(), sent))

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, time.Second, 5*time.Millisecond)
	env := got.all()[0]
	assert.Equal(t, "abc123", env.Payload().FileEntryID)
	assert.Equal(t, "corr-1", env.CorrelationID())
	assert.Equal(t, sent.MessageID(), env.MessageID())
}

func TestSendTwiceDeliversTwice(t *testing.T) {
	ps := newPubSub(t)
	sender := NewSender[envelope.FileUploadedEvent](ps, SenderOptions{Provider: "channel", Topic: topic})
	receiver := NewReceiver[envelope.FileUploadedEvent](ps, ReceiverOptions{Provider: "channel", Topic: topic})

	got := &recorded{}
	receive(t, receiver, func(_ context.Context, env envelope.Envelope[envelope.FileUploadedEvent]) error {
		got.add(env)
		return nil
	})

	env := uploaded(t, "abc123", "corr-1")
	require.NoError(t, sender.Send(context.Background(), env))
	require.NoError(t, sender.Send(context.Background(), env))

	require.Eventually(t, func() bool { return len(got.all()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestRedeliverPolicy(t *testing.T) {
	ps := newPubSub(t)
	sender := NewSender[envelope.FileUploadedEvent](ps, SenderOptions{Provider: "channel", Topic: topic})
	receiver := NewReceiver[envelope.FileUploadedEvent](ps, ReceiverOptions{
		Provider: "channel",
		Topic:    topic,
		Policy:   transport.PolicyRedeliver,
	})

	got := &recorded{}
	receive(t, receiver, func(_ context.Context, env envelope.Envelope[envelope.FileUploadedEvent]) error {
		if got.add(env) == 1 {
			return errors.New("downstream unavailable")
		}
		return nil
	})

	sent := uploaded(t, "abc123", "corr-1")
	require.NoError(t, sender.Send(context.Background(), sent))

	require.Eventually(t, func() bool { return len(got.all()) == 2 }, time.Second, 5*time.Millisecond)
	envs := got.all()
	assert.Equal(t, sent.MessageID(), envs[0].MessageID())
	assert.Equal(t, sent.MessageID(), envs[1].MessageID())

	// acked on the second attempt, so nothing else arrives
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, got.all(), 2)
}

func TestAcknowledgePolicy(t *testing.T) {
	ps := newPubSub(t)
	sender := NewSender[envelope.FileUploadedEvent](ps, SenderOptions{Provider: "channel", Topic: topic})
	receiver := NewReceiver[envelope.FileUploadedEvent](ps, ReceiverOptions{
		Provider: "channel",
		Topic:    topic,
		Policy:   transport.PolicyAcknowledge,
	})
	assert.Equal(t, transport.PolicyAcknowledge, receiver.Policy())

	got := &recorded{}
	receive(t, receiver, func(_ context.Context, env envelope.Envelope[envelope.FileUploadedEvent]) error {
		got.add(env)
		return errors.New("always fails")
	})

	require.NoError(t, sender.Send(context.Background(), uploaded(t, "abc123", "corr-1")))

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, got.all(), 1, "failed message must not be redelivered")
}

func TestPanickingCallbackIsRedelivered(t *testing.T) {
	ps := newPubSub(t)
	sender := NewSender[envelope.FileUploadedEvent](ps, SenderOptions{Provider: "channel", Topic: topic})
	receiver := NewReceiver[envelope.FileUploadedEvent](ps, ReceiverOptions{Provider: "channel", Topic: topic})

	got := &recorded{}
	receive(t, receiver, func(_ context.Context, env envelope.Envelope[envelope.FileUploadedEvent]) error {
		if got.add(env) == 1 {
			panic("boom")
		}
		return nil
	})

	require.NoError(t, sender.Send(context.Background(), uploaded(t, "abc123", "corr-1")))
	require.Eventually(t, func() bool { return len(got.all()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestUndecodableMessageIsDropped(t *testing.T) {
	ps := newPubSub(t)
	sender := NewSender[envelope.FileUploadedEvent](ps, SenderOptions{Provider: "channel", Topic: topic})
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	require.NoError(t, metrics.Register())
	receiver := NewReceiver[envelope.FileUploadedEvent](ps, ReceiverOptions{Provider: "channel", Topic: topic, Metrics: metrics})

	got := &recorded{}
	receive(t, receiver, func(_ context.Context, env envelope.Envelope[envelope.FileUploadedEvent]) error {
		got.add(env)
		return nil
	})

	require.NoError(t, ps.Publish(topic, message.NewMessage(watermill.NewUUID(), []byte("{not json"))))
	require.NoError(t, sender.Send(context.Background(), uploaded(t, "abc123", "corr-1")))

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.received.WithLabelValues("channel", "file-uploaded", OutcomeUndecodable)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "abc123", got.all()[0].Payload().FileEntryID)
}

func TestReceiveGuards(t *testing.T) {
	ps := newPubSub(t)
	receiver := NewReceiver[envelope.FileUploadedEvent](ps, ReceiverOptions{Provider: "channel", Topic: topic})

	_, err := receiver.Receive(context.Background(), nil)
	assert.ErrorIs(t, err, errspkg.ErrCallbackRequired)

	noop := func(context.Context, envelope.Envelope[envelope.FileUploadedEvent]) error { return nil }
	sub, err := receiver.Receive(context.Background(), noop)
	require.NoError(t, err)
	assert.Equal(t, topic, sub.Topic())

	_, err = receiver.Receive(context.Background(), noop)
	assert.ErrorIs(t, err, errspkg.ErrAlreadySubscribed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sub.Stop(ctx))
	select {
	case <-sub.Done():
	default:
		t.Fatal("Done must be closed after Stop")
	}

	sub, err = receiver.Receive(context.Background(), noop)
	require.NoError(t, err, "a stopped receiver can subscribe again")
	require.NoError(t, sub.Stop(ctx))
}

func TestReceiveSubscribeFailure(t *testing.T) {
	receiver := NewReceiver[envelope.FileUploadedEvent](&transporttest.Subscriber{Err: errors.New("refused")}, ReceiverOptions{Provider: "rabbitmq", Topic: topic})

	_, err := receiver.Receive(context.Background(), func(context.Context, envelope.Envelope[envelope.FileUploadedEvent]) error { return nil })
	var recvErr *errspkg.ReceiveTransportError
	require.ErrorAs(t, err, &recvErr)
	assert.Equal(t, "rabbitmq", recvErr.Provider)
	assert.Equal(t, 1, recvErr.Attempt)
}

type flakySubscriber struct {
	mu       sync.Mutex
	calls    int
	channels []chan *message.Message
}

func (f *flakySubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 2 {
		return nil, errors.New("broker unavailable")
	}
	ch := make(chan *message.Message)
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *flakySubscriber) Close() error { return nil }

func (f *flakySubscriber) state() (int, []chan *message.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]chan *message.Message(nil), f.channels...)
}

func TestResubscribeAfterDrop(t *testing.T) {
	sub := &flakySubscriber{}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	require.NoError(t, metrics.Register())
	receiver := NewReceiver[envelope.FileUploadedEvent](sub, ReceiverOptions{
		Provider: "rabbitmq",
		Topic:    topic,
		Metrics:  metrics,
		ReconnectBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Millisecond)
		},
	})

	got := &recorded{}
	receive(t, receiver, func(_ context.Context, env envelope.Envelope[envelope.FileUploadedEvent]) error {
		got.add(env)
		return nil
	})

	_, channels := sub.state()
	require.Len(t, channels, 1)
	close(channels[0])

	require.Eventually(t, func() bool {
		calls, _ := sub.state()
		return calls == 3
	}, time.Second, time.Millisecond)

	msg, err := envelope.Encode(uploaded(t, "abc123", "corr-1"))
	require.NoError(t, err)
	_, channels = sub.state()
	channels[1] <- msg

	select {
	case <-msg.Acked():
	case <-time.After(time.Second):
		t.Fatal("message was not acked after resubscribe")
	}
	assert.Len(t, got.all(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.resubscribes.WithLabelValues("rabbitmq", topic)))
}

func TestSendFailures(t *testing.T) {
	env := uploaded(t, "abc123", "corr-1")

	t.Run("invalid envelope", func(t *testing.T) {
		sender := NewSender[envelope.FileUploadedEvent](&transporttest.Publisher{}, SenderOptions{Provider: "channel", Topic: topic})
		err := sender.Send(context.Background(), envelope.Envelope[envelope.FileUploadedEvent]{})
		assert.True(t, IsSendFailure(err, transport.FailureSerialization))
	})

	t.Run("broker error is classified", func(t *testing.T) {
		pub := &transporttest.Publisher{Err: errors.New("ACCESS_REFUSED")}
		sender := NewSender[envelope.FileUploadedEvent](pub, SenderOptions{
			Provider: "rabbitmq",
			Topic:    "file.uploaded",
			Classify: func(error) transport.Failure { return transport.FailureAuth },
		})

		err := sender.Send(context.Background(), env)
		var sendErr *errspkg.SendError
		require.ErrorAs(t, err, &sendErr)
		assert.Equal(t, transport.FailureAuth, sendErr.Kind)
		assert.Equal(t, "rabbitmq", sendErr.Provider)
		assert.Equal(t, "file.uploaded", sendErr.Destination)
	})

	t.Run("unrecognised error is a connection failure", func(t *testing.T) {
		sender := NewSender[envelope.FileUploadedEvent](&transporttest.Publisher{Err: errors.New("boom")}, SenderOptions{Provider: "kafka", Topic: topic})
		assert.True(t, IsSendFailure(sender.Send(context.Background(), env), transport.FailureConnection))
	})

	t.Run("timeout", func(t *testing.T) {
		pub := &blockingPublisher{release: make(chan struct{})}
		defer close(pub.release)
		sender := NewSender[envelope.FileUploadedEvent](pub, SenderOptions{Provider: "sqs", Topic: topic, Timeout: 20 * time.Millisecond})

		err := sender.Send(context.Background(), env)
		assert.True(t, IsSendFailure(err, transport.FailureTimeout))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("closed sender", func(t *testing.T) {
		pub := &transporttest.Publisher{}
		sender := NewSender[envelope.FileUploadedEvent](pub, SenderOptions{Provider: "channel", Topic: topic})
		require.NoError(t, sender.Close())

		err := sender.Send(context.Background(), env)
		assert.True(t, IsSendFailure(err, transport.FailureClosed))
		assert.ErrorIs(t, err, errspkg.ErrSenderClosed)
		assert.Empty(t, pub.Published(topic))
	})

	t.Run("closed pubsub", func(t *testing.T) {
		ps := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
		require.NoError(t, ps.Close())
		sender := NewSender[envelope.FileUploadedEvent](ps, SenderOptions{
			Provider: "channel",
			Topic:    topic,
			Classify: func(err error) transport.Failure { return transport.FailureClosed },
		})
		assert.True(t, IsSendFailure(sender.Send(context.Background(), env), transport.FailureClosed))
	})
}

type blockingPublisher struct {
	release chan struct{}
}

func (p *blockingPublisher) Publish(string, ...*message.Message) error {
	<-p.release
	return nil
}

func (p *blockingPublisher) Close() error { return nil }

func TestSendSetsMetadataAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	require.NoError(t, metrics.Register())

	pub := &transporttest.Publisher{}
	sender := NewSender[envelope.FileUploadedEvent](pub, SenderOptions{Provider: "rabbitmq", Topic: "file.uploaded", Metrics: metrics})
	require.NoError(t, sender.Send(context.Background(), uploaded(t, "abc123", "corr-1")))

	msgs := pub.Published("file.uploaded")
	require.Len(t, msgs, 1)
	assert.Equal(t, "corr-1", msgs[0].Metadata.Get(envelope.MetadataCorrelationID))
	assert.Equal(t, "file-uploaded", msgs[0].Metadata.Get(envelope.MetadataEventKind))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.sent.WithLabelValues("rabbitmq", "file-uploaded", OutcomeSent)))
}

func TestMetricsRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewMetrics(reg)
	require.NoError(t, first.Register())
	require.NoError(t, first.Register())

	second := NewMetrics(reg)
	require.NoError(t, second.Register())
	second.RecordSend("kafka", "file-deleted", OutcomeSent)
	assert.Equal(t, 1.0, testutil.ToFloat64(first.sent.WithLabelValues("kafka", "file-deleted", OutcomeSent)),
		"the second instance must reuse the registered collectors")

	var nilMetrics *Metrics
	assert.NoError(t, nilMetrics.Register())
	nilMetrics.RecordSend("kafka", "file-deleted", OutcomeSent)
}

// closingSubscriber answers Subscribe after Close with a plain error, the way
// the kafka, aws, amqp and nats subscribers do.
type closingSubscriber struct {
	mu       sync.Mutex
	calls    int
	closed   bool
	channels []chan *message.Message
}

func (c *closingSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.closed {
		return nil, errors.New("subscriber closed")
	}
	ch := make(chan *message.Message)
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *closingSubscriber) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		for _, ch := range c.channels {
			close(ch)
		}
	}
	return nil
}

func (c *closingSubscriber) subscribeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestReceiveEndsWhenTransportCloses(t *testing.T) {
	inner := &closingSubscriber{}
	tr := transport.Guard(transport.Transport{Publisher: &transporttest.Publisher{}, Subscriber: inner})
	receiver := NewReceiver[envelope.FileUploadedEvent](tr.Subscriber, ReceiverOptions{
		Provider: "kafka",
		Topic:    topic,
		Classify: kafka.Classify,
		ReconnectBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Millisecond)
		},
	})
	sub := receive(t, receiver, func(context.Context, envelope.Envelope[envelope.FileUploadedEvent]) error { return nil })

	require.NoError(t, tr.Close())

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("receive loop kept retrying a closed transport")
	}
	assert.Equal(t, 1, inner.subscribeCalls())
}
