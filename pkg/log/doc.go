/*
Package log provides structured logging for the engine using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Usage

Initializing the Logger:

	import "github.com/nendo/actionengine/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("engine starting")
	log.Debug("checking queue depth")
	log.Warn("watchdog approaching deadline")
	log.Error("failed to connect to containerd")
	log.Fatal("cannot start without store connection") // exits process

Context Loggers:

	dispatchLog := log.WithComponent("dispatcher")
	dispatchLog.Info().Msg("planned chunks")

	unitLog := log.WithComponent("workerruntime").
		With().Str("user_id", userID).Str("unit_id", unitID).Logger()
	unitLog.Info().Msg("starting container")
	unitLog.Error().Err(err).Msg("execution failed")

	// Dedicated helpers for the fields that show up on nearly every line
	userLog := log.WithUserID(userID)
	unitLog2 := log.WithUnitID(unitID)
	queueLog := log.WithQueue(string(types.QueueFamilyGPU))

# Log Levels

Debug: verbose, development and troubleshooting only.
Info: default production level — unit lifecycle transitions, dispatch decisions.
Warn: watchdog near-misses, skipped tracks, retryable infrastructure hiccups.
Error: execution failures, store errors, anything an operator should see.
Fatal: unrecoverable startup errors only (os.Exit(1)).

# Integration Points

This package is used by every other package in the module: pkg/dispatcher logs
chunk planning decisions, pkg/workermanager logs worker lifecycle, pkg/workerruntime
logs container execution, pkg/status logs cancellation, cmd/engine initializes it
from pkg/config before anything else runs.

# Best Practices

Do:
  - Use structured fields (.Str, .Int) instead of string interpolation
  - Attach unit_id and user_id via WithUnitID/WithUserID wherever a log line is
    scoped to one unit
  - Log errors with .Err() so the error chain round-trips through errors.Is

Don't:
  - Log secrets (env vars passed to a container, library credentials)
  - Use Debug level in production
  - Concatenate strings; build context loggers instead
*/
package log
