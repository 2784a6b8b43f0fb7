// Package supervisor assembles the hive from configuration and runs it.
package supervisor
