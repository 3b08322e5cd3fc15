// Package approval suspends a single task until an external actor approves
// or rejects a sensitive tool call. Requests are published on a notification
// channel (in-memory, Redis pub/sub or RabbitMQ) and correlated back by id.
// A request that is not answered within its TTL resolves to TIMEOUT.
package approval
