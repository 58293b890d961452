// Package bus provides the durable, topic-addressed message substrate that all
// Rookery components communicate through. Topics are Redis Streams with
// consumer-group semantics: each message on a topic is delivered to exactly one
// live member of a group, redelivered with exponential backoff on handler
// failure, and moved to a per-topic dead-letter stream once its retry budget is
// exhausted.
//
// Delivery is at-least-once. Handlers must be idempotent or de-duplicate using
// the message ID. Ordering is preserved per topic in append order for a single
// group member; it is a delivery-order guarantee, not a completion-order
// guarantee.
//
// All Redis keys are namespaced by instance name so that multiple Rookery
// instances can safely coexist on a single Redis server.
package bus
