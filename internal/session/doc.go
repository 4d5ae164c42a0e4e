// Package session manages server-side web sessions stored in Redis. It handles
// session creation, lookup, persistence of attribute changes, expiration
// through a time-bucketed index swept in the background, and publication of
// created/deleted/expired events.
//
// Layout of one session in the store (keys under the configured namespace):
//
//	session:<id>            hash    created_at, last_accessed_at, max_inactive_ms, attr:<name>
//	expires:<id>            string  bucket the id is tracked in, TTL interval+margin
//	expirations:<millis>    set     ids expired by that instant
//	expirations             zset    bucket directory, score = bucket millis
//	index:principal:<name>  set     ids owned by a principal
package session
