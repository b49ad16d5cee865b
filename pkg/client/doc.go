// Package client is a small HTTP client for a running mailqueue server, used by
// the CLI to trigger dispatch cycles and read queue state.
package client
