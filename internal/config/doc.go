// Package config loads the node configuration from YAML, fills in defaults
// for every section and validates the combination before the daemon wires
// its components.
package config
