// Package sources adapts external message queues and pubsub services
// into streamkit streams and emitters.
//
// Implemented are the ff:
//  NATS and NATS Streaming
// Google PubSub
// Apache Kafka
// Redis PubSub
//
package sources
