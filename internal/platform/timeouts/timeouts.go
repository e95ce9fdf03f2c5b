// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing a gRPC peer.
const GRPCDial = 2 * time.Second

// LockAcquire caps how long an operation waits for a group or member lock
// before giving up with a Busy error.
const LockAcquire = 2 * time.Second

// SchedulerTick is the default interval between due-contribution sweeps.
const SchedulerTick = time.Minute

// Shutdown limits how long the server waits for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second
