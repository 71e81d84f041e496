// Package orchestrator drives the polling loop: due reminders on every
// tick, cron tasks and pending content retries on minute-aligned ticks.
// All per-tenant work runs through the executor so one tenant's failures
// stay with that tenant.
package orchestrator
