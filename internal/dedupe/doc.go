// Package dedupe provides a TTL window of recently seen keys, used to drop
// redelivered room events and to recognise this agent's own correlation ids.
//
// Remember refreshes a key's TTL on every call while Seen only records keys it
// has not seen. Expiry reads an injectable clock (WithClock); the background
// sweeper only reclaims memory and never changes what Contains reports.
package dedupe
