// Package config loads the quickd TOML configuration.
//
// Values are resolved in order: built-in defaults, the config file, then
// QUICKD_* environment overrides. The result is normalized (paths expanded,
// plugin directories resolved) and validated before use.
package config
