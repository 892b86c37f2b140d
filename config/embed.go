// Package config provides the embedded default configuration for marketchat.
package config

import _ "embed"

// DefaultConfigYAML is the annotated configuration written by
// "marketchat config create".
//
//go:embed marketchat.default.yaml
var DefaultConfigYAML []byte
