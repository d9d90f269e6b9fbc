// Package task implements the agent task-distribution core: a Redis-backed
// task queue with a processing queue and dead-letter queue, an exponential
// backoff retry manager, and an orchestrator that dispatches queued tasks to
// registered agent handlers through a fixed-size worker pool.
package task
