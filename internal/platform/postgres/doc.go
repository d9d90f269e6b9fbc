// Package postgres provides the PostgreSQL implementation of the task
// record store. The task-distribution core depends only on the task.Store
// interface; this package is the production binding of that interface.
package postgres
