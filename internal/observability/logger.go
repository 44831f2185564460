package observability

import "github.com/tphakala/gadgetbridge/internal/logger"

// Package-level cached logger instance for efficiency.
var log = logger.Global().Module("telemetry")
