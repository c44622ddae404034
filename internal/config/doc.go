// Package config provides centralized configuration management for the
// DocFlow runtime. Configuration is loaded from a JSON file with sane
// defaults applied for any omitted section; secrets such as the intent
// signing key and the token secret are referenced by environment
// variable name rather than stored inline.
package config
