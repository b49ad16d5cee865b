// Package memory provides in-process implementations of the queue and settings
// stores. They back the tests and the --store=memory development mode.
//
// Each primitive holds the store mutex for its whole duration, which gives the
// same per-item atomicity the PostgreSQL store gets from conditional updates.
package memory
