// Package notifier delivers content to a tenant's channels.
//
// Every channel has its own token bucket (golang.org/x/time/rate) and a
// bounded retry loop with jittered exponential backoff. Delivery is
// synchronous: the caller gets one Result per channel and decides what a
// partial failure means.
package notifier
