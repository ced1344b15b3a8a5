// Package outbox implements the transactional outbox used to bridge saga
// state changes and the message transport: participants append envelopes to
// the outbox inside their business transaction, and the Relay publishes them
// to the transport with at-least-once semantics.
package outbox
