// Package rate throttles requests with fixed-window counters keyed by
// endpoint scope and client key, and escalates repeat offenders into
// timed blocks that short-circuit every scope for that client.
//
// Backend outages degrade per scope: read-class scopes fail open,
// everything else fails closed.
package rate
