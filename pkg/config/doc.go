// Package config loads the mailqueue server configuration from a YAML file,
// a .env file and MAILQUEUE_* environment variables.
package config
