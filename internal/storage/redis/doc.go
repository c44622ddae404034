// Package redis offers a Redis-backed durable mirror for workflow
// sessions, storing each session as a JSON value with an optional TTL.
// It is a drop-in alternative to the MySQL mirror for deployments that
// already run Redis.
package redis
