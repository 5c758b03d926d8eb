package telemetry

import "codeberg.org/mutker/meterreader/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidListen = errors.ErrorCode("telemetry_invalid_listen")

	// Server Errors
	ErrServerStart    = errors.ErrorCode("telemetry_server_start_failed")
	ErrServerShutdown = errors.ErrorCode("telemetry_server_shutdown_failed")
)
