// Package log provides the process-wide zerolog logger and helpers for
// creating component-scoped child loggers.
package log
