//go:build linux

package config

// MetadataDir is a relative hidden folder under the working directory unless
// overridden. Kept a var so tests and packaged deployments can point it
// elsewhere before Load runs.
var MetadataDir = ".timer_meta"
