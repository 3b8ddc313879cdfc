// Package logging provides structured logging for the registry and agents.
//
// It wraps log/slog so every binary emits the same shape of record:
// JSON for production, text for development, with service and version
// fields on each entry.
//
// Logging is configured via LoggingConfig:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, "iotdash", "1.0.0")
//	logger.Info("starting registry", "port", 8080)
//
// Never log MQTT passwords or JWT secrets.
package logging
