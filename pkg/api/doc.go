// Package api implements the HTTP surface of the mail queue (Gin-based): the
// shared-secret dispatch trigger, the admin queue and settings endpoints behind
// HS256 JWT authentication, health probes and metrics.
package api
