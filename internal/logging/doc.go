// Package logging builds slog loggers for the EMPI daemon and CLI.
//
// Loggers are constructed from application config and write key=value console
// output or JSON, optionally teeing into the daemon log file. Shared field
// name constants keep job, person, and potential-match identifiers consistent
// across components so operators can grep one key everywhere.
package logging
