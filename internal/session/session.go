// Package session manages connected-user state on the gateway. It handles
// creation, lookup, expiration, and storage of ephemeral per-user state
// backed by Redis.
package session
