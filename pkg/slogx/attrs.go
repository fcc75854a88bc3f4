// Package slogx provides small helpers for building slog attributes.
package slogx

import (
	"fmt"
	"log/slog"
	"time"
)

// Error returns a slog.Attr with the key "error" and the error's message
// as the value.
func Error(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Stringer returns a slog.Attr holding the string representation of the
// given fmt.Stringer value.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

// Elapsed returns a slog.Attr with the duration rendered in its standard
// string form, useful for timing log lines.
func Elapsed(key string, d time.Duration) slog.Attr {
	return slog.String(key, d.String())
}
