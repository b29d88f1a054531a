// Package messaging is the realtime messaging core: it accepts client
// WebSocket connections, delivers chat messages with at-least-once
// ordering per conversation, bridges online fan-out with durable offline
// queues, enforces end-to-end-encryption invariants, and publishes
// durable domain events through a transactional outbox.
//
// Architecture:
//   - Root package: the domain event taxonomy, the event envelope, and
//     the error kinds shared by every subpackage.
//   - kvstore: typed client for the cache + stream store (Redis).
//   - store: durable store client with pool backpressure (Postgres).
//   - bus: Kafka producer with priority classes and per-aggregate keys.
//   - outbox: transactional outbox store and background relay.
//   - idempotency: effect-level exactly-once guard for consumers.
//   - crypto, prekeys: at-rest encryption, pair/group ratchets, and the
//     server-side prekey bundle store.
//   - conversation, message: membership/ACL and the send pipeline.
//   - offline: per-conversation durable streams with consumer groups.
//   - ws: connection registry and WebSocket session lifecycle.
//   - resilience: rate limiting and circuit breaking.
//   - httpapi: the REST + WebSocket surface.
//
// The send path is: ws.Session -> message.Service -> (crypto when the
// conversation is strict-E2EE) -> one database transaction carrying the
// message row and the outbox event -> offline queue append -> registry
// fan-out. The outbox relay publishes committed events to the bus with
// at-least-once semantics and per-aggregate FIFO.
//
// Every blocking operation takes a context.Context and observes
// timeouts. Errors are classified with the kinds in errors.go so
// boundary layers (HTTP, WebSocket, circuit breakers) can act on them
// without depending on concrete types.
package messaging
