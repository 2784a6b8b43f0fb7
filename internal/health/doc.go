// Package health watches worker processes. A crash is restarted automatically
// until an agent crashes too often within the crash window, after which a
// high-severity alert is raised and the agent is left for an operator.
package health
