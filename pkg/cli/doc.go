// Package cli defines the mailqueue command tree: the long running server, a
// one-shot dispatch cycle, schema migrations and remote trigger commands.
package cli
