// Package log defines the structured logging contract shared by every
// component in the library, together with a no-op implementation.
//
// The zap subpackage (saga/zap) provides the production backend.
package log
