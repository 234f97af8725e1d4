// Package publisher relays committed event changes to external systems.
//
// Every transaction the event store commits is handed to the Registry,
// which converts the changed rows into FeedEvent records and appends them
// to a Pebble-backed log under monotonically increasing sequence numbers.
// One Worker per configured sink tails the log from its persisted cursor,
// skips records whose topic does not match the sink's patterns, encodes
// the rest with the sink's Transformer and publishes them with exponential
// backoff. Delivery is at-least-once: the cursor advances only after a
// successful publish.
//
// The FeedLog keeps three kinds of keys, all values big-endian:
//
//	r{seq:8}      -> framed msgpack(FeedEvent)
//	c{sinkName}   -> seq:8, last record the sink handled
//	s             -> seq:8, newest record
//
// Records every configured sink has handled are trimmed in the background.
// Cursors of sinks removed from configuration are dropped at startup.
//
// Workers poll the log and are also woken early by notify.Hub signals for
// topics they subscribe to, so a quiet feed costs one read per poll
// interval while a busy one is relayed without waiting out the interval.
//
// Sinks and transformers are registered by name from their own packages
// (publisher/sink, publisher/transformer) and selected from configuration:
//
//	[[feed.sinks]]
//	name = "bus"
//	type = "nats"
//	format = "json"
//	nats_url = "nats://localhost:4222"
//	topic_prefix = "conveyor"
//	filter_topics = ["ftrack.*"]
package publisher
