package types

// Version is the canonical project version.
// The CLI, the telemetry schema, and the run-record layout share this
// version under the lockstep versioning policy.
const Version = "0.4.0"

// TelemetrySchema is the schema tag stamped on every telemetry line.
const TelemetrySchema = "stockbot.telemetry/v1"
