// Package broker implements durable queues with visibility timeouts and a
// topic that fans a published message out to every subscribed queue.
//
// A Queue hands messages out through DequeueBatch, the single blocking
// primitive consumers use. A claimed message stays invisible to other
// consumers until it is acked or its visibility deadline passes, after which
// it is delivered again with an incremented delivery count. Queues configured
// with a dead-letter threshold route a message to their DeadLetterSink instead
// of delivering it past that threshold.
//
// Persistence is delegated to a Store. The memstore, pebblestore and
// redisstore packages provide backends satisfying the same claim, visibility
// and ack contract.
package broker
