// Package saga implements an orchestration-based saga coordinator for
// multi-service workflows.
//
// A Definition declares an ordered list of steps, each pairing a forward
// command destination with a compensation command destination. The
// Orchestrator drives instances of registered definitions through those
// steps, reacting to participant outcome events: completions advance the
// saga, business rejections trigger reverse-order compensation, and expired
// step deadlines are treated as failures by the Sweeper.
//
// Instance state is persisted through the InstanceStore interface with
// optimistic concurrency; MemoryStore serves tests and the postgres
// subpackage serves production. Message handling for one saga is serialized
// internally, so callers may feed events from any number of transport
// consumers.
package saga
