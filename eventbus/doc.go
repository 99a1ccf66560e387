// Package eventbus is the root of the ShopFabric integration-event library.
//
// It hosts the application lifecycle primitives (App, Launcher) and the
// context plumbing shared by all sub-packages. The domain pieces live in
// sub-packages:
//
//   - events: integration-event envelope and wire codec
//   - outbox: transactional outbox store, integration-event service and relay
//   - dispatch: subscription registry and message dispatch outcomes
//   - rabbitmq: AMQP connection management, confirmed publishing, consuming
//   - idempotency: processed-event tracking for at-least-once consumers
//   - catalog: catalog-side event handlers and producers
package eventbus
