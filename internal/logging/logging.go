// Package logging provides the agent's structured logger, one scoped
// instance per component, built on github.com/charmbracelet/log per
// samoyed's use of the same library (the teacher itself logs with the
// standard library's log package).
package logging

import (
	"os"

	"github.com/charmbracelet/log"
)

var base = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	TimeFormat:      "15:04:05",
})

// SetLevel changes the log level of every logger handed out by this
// package, including ones already created (they share the underlying
// handler).
func SetLevel(level log.Level) {
	base.SetLevel(level)
}

// For returns a logger scoped to a component, e.g. logging.For("engine").
func For(component string) *log.Logger {
	return base.With("component", component)
}
