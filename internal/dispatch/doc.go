// Package dispatch polls the store for todo tasks and starts each on its
// lead agent, and resets tasks left in_progress after a crash.
package dispatch
