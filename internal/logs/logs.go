// Package logs gates chatty diagnostics behind a process-wide verbose switch.
package logs

import "log"

// Verbose enables V output. It is set once from the command line.
var Verbose bool

// V prints a formatted log message only when verbose logging is enabled.
func V(format string, args ...any) {
	if Verbose {
		log.Printf(format, args...)
	}
}
