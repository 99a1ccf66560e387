// Package dispatch routes incoming integration events to subscribed
// handlers.
//
// The Registry is populated during boot and frozen before serving; the
// Dispatcher decodes deliveries, runs every subscribed handler, and maps
// the result to an Ack/NackRequeue/NackDead outcome for the transport.
package dispatch
