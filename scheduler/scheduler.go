// Package scheduler runs the crawler's sync cycle on a cron schedule.
// It handles:
// - 5-field cron registration evaluated in UTC
// - manual runs from the CLI and the status API
// - serialization of runs so cycles never overlap
//
// The scheduler is implemented in jobs.go
package scheduler
