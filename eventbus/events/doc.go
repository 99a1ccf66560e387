// Package events defines the integration-event envelope, its JSON wire
// codec, and the poison-message classification used by dispatch.
package events
