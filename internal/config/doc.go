// Package config loads and validates the EMPI daemon configuration.
//
// Configuration lives in a TOML file (default ~/.config/empi/config.toml,
// overridable via the EMPI_CONFIG environment variable). Load applies
// defaults, normalizes paths, and validates the result; an embedded sample
// config documents every key for `empi config init`.
package config
