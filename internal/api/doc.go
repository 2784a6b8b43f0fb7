// Package api is the supervisor's local operator HTTP surface.
package api
