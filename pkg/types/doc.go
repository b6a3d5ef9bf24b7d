// Package types defines the data model shared by the dispatcher, worker
// runtime, and status API: work units, queues, chunk plans, and the media
// library descriptors the dispatcher consumes when planning chunks.
package types
