// Package dedupe provides a TTL claim cache so overlapping dispatcher ticks
// never hand the same task to a worker twice.
package dedupe
