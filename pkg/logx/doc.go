// Package logx wraps zerolog behind a small value-type Logger with
// slog-like Field helpers. The Service variant supports hot-swapping
// sinks and levels at runtime without replacing existing Logger values.
package logx
