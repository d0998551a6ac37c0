// Package app wires the license service together: configuration, logging,
// telemetry, the SQLite store, the service layer, and the chi router with
// its middleware chain. It owns server lifecycle, including graceful
// shutdown on SIGINT/SIGTERM.
package app
