// Package realtime is the publish/subscribe fabric for live clients.
//
// Topics come in two kinds: a per-user mailbox ("user:<id>") and a
// per-conversation room ("conversation:<id>"). The in-process Broadcaster
// serves local WebSocket sessions. RedisRelay carries events to other
// gateway instances and KafkaExporter streams message lifecycle events to
// downstream consumers. Fanout combines them behind the Publisher interface.
//
// Delivery is at-most-once. A slow subscriber loses events rather than
// stalling the publisher; clients recover by re-fetching from the store.
package realtime
