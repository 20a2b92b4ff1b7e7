// Package redis connects to Redis and provides the distributed per-Safe lock
// used when several relay instances share one job queue.
package redis
