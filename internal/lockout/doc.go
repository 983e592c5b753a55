// Package lockout tracks consecutive credential failures per account and
// locks accounts that cross the threshold inside the counting window.
//
// Lock durations escalate with repeated lockouts. The escalation index is
// the number of prior lockouts in the last 24 hours, clamped to the last
// entry of the configured table.
package lockout
