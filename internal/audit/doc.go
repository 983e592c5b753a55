// Package audit defines the audit event model and the asynchronous
// dispatcher that forwards security events (logins, rotations, reuse
// detections, lockouts, rate-limit blocks) to a caller-provided sink.
//
// Reuse-detection and lockout events carry full operator detail here even
// when the client-facing error is deliberately generic.
package audit
