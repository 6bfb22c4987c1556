// Package config handles configuration loading for vend-gateway.
//
// Configuration is loaded from YAML files with ${VAR} environment
// variable expansion, raw duration strings (parsed with
// time.ParseDuration), defaults for timing fields, and validation of
// required fields.
package config
