// Package config loads the OpenOps agent configuration from YAML or JSON
// files, fills defaults, resolves secrets from the environment and reports
// fatal configuration problems before the runtime starts.
package config
