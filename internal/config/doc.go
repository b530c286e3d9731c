// Package config provides configuration loading and path management.
//
// Configuration is resolved once at the process entrypoint and passed down
// explicitly; no package reads configuration from a global.
//
// # Sources
//
// Load merges, in order of increasing priority:
//
//  1. Built-in defaults
//  2. Global config: ~/.tiller/tiller.json(c), then ~/.config/tiller/
//  3. Project config: <dir>/tiller.json(c), then <dir>/.tiller/
//  4. The file named by TILLER_CONFIG
//  5. Inline JSON in TILLER_CONFIG_CONTENT
//  6. TILLER_* environment variables
//
// # File Format
//
// Config files are JSONC (JSON with comments and trailing commas). String
// values may embed placeholders resolved at load time:
//
//	{
//		// pick the model per deployment
//		"model": "{env:TILLER_DEFAULT_MODEL}",
//		"genomePath": "{file:~/.tiller/genome.path}",
//	}
//
// {env:VAR} expands to the environment variable's value. {file:path}
// expands to the file's contents, JSON-escaped; relative paths resolve
// against the config file's directory.
//
// # Paths
//
// GetPaths returns the XDG-style per-user directories. Session metadata and
// event logs default to the sessions directory under the data path.
package config
