// Package logx wraps zerolog behind a small structured-logging API.
//
// It supports live reconfiguration (level, sinks) without re-plumbing
// loggers through the app, plus an optional rate-limited sink that
// mirrors warnings to an operator channel.
package logx
