// Package logging provides structured logging for placesd.
//
// It wraps log/slog with JSON or text output, level filtering and default
// service/version fields on every entry.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	syncLog := logger.Component("sync")
//	syncLog.Info("sync completed", "took", ping.Took)
//
// Never log access tokens, sync keys or the database encryption key.
// Use Redact when an identifying prefix is useful:
//
//	logger.Info("using storage token", "token", logging.Redact(token))
package logging
