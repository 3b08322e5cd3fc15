// Package auth authenticates operator requests against the HTTP API using
// static API tokens or HS256 JWTs and enforces per-route permissions.
package auth
