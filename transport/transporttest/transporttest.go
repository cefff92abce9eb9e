// Package transporttest provides configuration and pub/sub doubles for testing
// transport builders without a running broker.
package transporttest

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Config is a field-backed implementation of transport.Config.
type Config struct {
	Provider string

	RabbitMQURL           string
	RabbitMQExchange      string
	RabbitMQExchangeType  string
	RabbitMQBindings      map[string]string
	RabbitMQPrefetchCount int

	KafkaBrokers       []string
	KafkaConsumerGroup string
	KafkaClientID      string

	AWSRegion             string
	AWSAccountID          string
	AWSAccessKeyID        string
	AWSSecretAccessKey    string
	AWSEndpoint           string
	SNSSubscriptionQueues map[string]string

	NATSURL        string
	NATSQueueGroup string
}

func (c *Config) GetProvider() string                         { return c.Provider }
func (c *Config) GetRabbitMQURL() string                      { return c.RabbitMQURL }
func (c *Config) GetRabbitMQExchange() string                 { return c.RabbitMQExchange }
func (c *Config) GetRabbitMQExchangeType() string             { return c.RabbitMQExchangeType }
func (c *Config) GetRabbitMQBindings() map[string]string      { return c.RabbitMQBindings }
func (c *Config) GetRabbitMQPrefetchCount() int               { return c.RabbitMQPrefetchCount }
func (c *Config) GetKafkaBrokers() []string                   { return c.KafkaBrokers }
func (c *Config) GetKafkaConsumerGroup() string               { return c.KafkaConsumerGroup }
func (c *Config) GetKafkaClientID() string                    { return c.KafkaClientID }
func (c *Config) GetAWSRegion() string                        { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string                     { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string                   { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string               { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string                      { return c.AWSEndpoint }
func (c *Config) GetSNSSubscriptionQueues() map[string]string { return c.SNSSubscriptionQueues }
func (c *Config) GetNATSURL() string                          { return c.NATSURL }
func (c *Config) GetNATSQueueGroup() string                   { return c.NATSQueueGroup }

// Publisher records published messages and returns Err from every Publish call.
type Publisher struct {
	mu       sync.Mutex
	Err      error
	Closed   bool
	Messages map[string][]*message.Message

	// CreateErr is returned by CreateTopic, which records topics in Created.
	CreateErr error
	Created   []string
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	if p.Messages == nil {
		p.Messages = make(map[string][]*message.Message)
	}
	p.Messages[topic] = append(p.Messages[topic], messages...)
	return nil
}

// Published returns the messages recorded for topic.
func (p *Publisher) Published(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.Messages[topic]...)
}

func (p *Publisher) CreateTopic(_ context.Context, topic string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return "", p.CreateErr
	}
	p.Created = append(p.Created, topic)
	return topic, nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// Subscriber hands out channels that stay open until the subscription context is done.
type Subscriber struct {
	mu     sync.Mutex
	Err    error
	Closed bool
	Topics []string

	// InitErr is returned by SubscribeInitialize, which records topics in Initialized.
	InitErr     error
	Initialized []string
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	s.Topics = append(s.Topics, topic)
	ch := make(chan *message.Message)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *Subscriber) SubscribeInitialize(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InitErr != nil {
		return s.InitErr
	}
	s.Initialized = append(s.Initialized, topic)
	return nil
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}
