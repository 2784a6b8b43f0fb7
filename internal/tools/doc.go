// Package tools implements the capabilities workers reach through tool_call
// envelopes: sandboxed workspace and project files, shell commands, and
// read/update access to tasks and agents.
package tools
