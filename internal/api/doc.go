// Package api exposes the HTTP surface of the agent: synchronous and queued
// task submission, the audit read API, pending approvals, the tool catalog
// and the Prometheus scrape endpoint.
package api
