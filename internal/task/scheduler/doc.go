// Package scheduler runs named jobs on interval or cron-like triggers.
//
// The scheduler owns a single tick loop that evaluates triggers once per
// second. Each fired job runs on its own goroutine. A job never overlaps
// itself: a firing while the previous run is in flight is dropped, not
// queued.
package scheduler
