// Package outbox implements the transactional outbox pattern for
// integration events.
//
// Producers save domain changes and their events atomically through
// IntegrationEventService.SaveEventAndDomainChange, then attempt the
// inline publish with PublishPending. Relay is the background sweep that
// republishes anything the inline path never finished, giving
// at-least-once delivery to the broker. Persistence lives behind the
// Repository interface; the postgres sub-package provides the production
// implementation.
package outbox
