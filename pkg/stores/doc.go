// Package stores provides the SQLite persistence layer for kdeploy hosts.
// It records executions, step outcomes, suspended continuations, the task
// correlation ledger and the versioned per-execution element mailbox.
package stores
