// Package zap provides the zap-backed implementation of the log.Logger
// interface, with OpenTelemetry trace correlation on every entry.
package zap
