// Package zap provides the production log.Logger implementation backed by
// go.uber.org/zap, bridged into OpenTelemetry log records via otelzap.
package zap
