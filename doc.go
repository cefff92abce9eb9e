// Package relayflow sends and receives file events over whichever message
// broker a deployment enables, and relays every received event to a live
// notification endpoint.
//
// Configuration names exactly one provider. SelectProvider checks it without
// touching the network, and Provider.Open connects it and returns Bindings: a
// Sender and a Receiver for every event kind, all sharing one broker
// connection. Upstream code only needs SenderFor and NewEnvelope:
//
//	bindings, err := relayflow.Open(ctx, cfg.MessageBroker, logger, relayflow.OpenOptions{})
//	sender, err := relayflow.SenderFor[relayflow.FileUploadedEvent](bindings)
//	env, err := relayflow.NewEnvelope(relayflow.FileUploadedEvent{FileEntryID: id}, correlationID)
//	err = sender.Send(ctx, env)
//
// # Providers
//
//   - rabbitmq: durable exchange and queues, redelivers failed messages
//   - kafka: keyed topics in a consumer group, acknowledges failed messages
//   - sqs: managed queues, failed messages reappear after the visibility timeout
//   - sns: topics fanned out to subscription queues
//   - nats: JetStream subjects with durable queue groups
//   - channel: in-process Go channels for tests and local development
//
// # Delivery
//
// Delivery is at least once. A Receiver invokes its callback sequentially and
// acknowledges on success. A failing or panicking callback is handled by the
// provider's callback policy, which oncallbackerror overrides per provider.
// Messages that cannot be decoded are acknowledged and logged.
//
// # Relay
//
// NewRelay subscribes to both event kinds and forwards a Notification for each
// envelope, over a SignalR WebSocket hub or a plain webhook. Notification
// failures are logged and never block consumption.
package relayflow
