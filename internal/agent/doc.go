// Package agent supervises worker processes and catalogs them.
//
// # Bridge
//
// A Bridge owns one worker subprocess and talks to it with newline-delimited
// JSON over stdin/stdout:
//
//	b := agent.NewBridge(agent.BridgeOptions{Profile: p, Spec: spec, Store: st})
//	if err := b.Start(ctx); err != nil { ... }
//	result, err := b.ExecuteTask(ctx, task)
//
// Requests to the worker (execute_task, handle_chat) carry a numeric
// requestId taken from a per-bridge counter. The matching response resolves
// the caller; a timeout or worker exit rejects it. Responses for ids that are
// no longer pending are dropped.
//
// Workers never touch the filesystem or shell directly. A tool_call is
// executed by the bridge through its ToolInvoker and always answered with a
// tool_response.
//
// # Task outcomes
//
//   - completed: result and duration persisted, stats bumped, parent notified
//   - failed: error persisted, stats bumped
//   - delegated: the result is a delegation marker; the task stays in_progress
//
// After any outcome a live agent goes back to idle.
//
// # Directory
//
// The Directory maps agent ids to bridges, indexes them by skill and category,
// persists their metadata, and forwards every bridge event onto one fleet
// bus. FindBestAgent picks the least-loaded agent that is neither in error
// nor offline.
package agent
